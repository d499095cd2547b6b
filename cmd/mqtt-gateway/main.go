package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/aiot/aiot/internal/auth"
	"github.com/aiot/aiot/internal/config"
	"github.com/aiot/aiot/internal/gateway"
	"github.com/aiot/aiot/internal/logger"
	"github.com/aiot/aiot/internal/mqtt"
)

func main() {
	brokerHost := config.DefaultBrokerHost
	brokerPort := config.DefaultBrokerPort
	mqttHost := mqtt.DefaultHost
	mqttPort := mqtt.DefaultPort
	keyFile := auth.DefaultKeyFilename

	brokerHostValue := config.NewStrValue(&brokerHost)
	brokerPortValue := config.NewStrValue(&brokerPort)
	mqttHostValue := config.NewStrValue(&mqttHost)
	mqttPortValue := config.NewStrValue(&mqttPort)
	keyFileValue := config.NewStrValue(&keyFile)

	flag.Var(brokerHostValue, "broker-host", "broker host")
	flag.Var(brokerPortValue, "broker-port", "broker port")
	flag.Var(mqttHostValue, "mqtt-host", "mqtt broker host")
	flag.Var(mqttPortValue, "mqtt-port", "mqtt broker port")
	flag.Var(keyFileValue, "key-file", "authentication key file")
	maxTime := flag.Int("max-time", 0, "node expiry delay in seconds")
	configFile := flag.String("config", "", "configuration file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatal(err)
	}
	brokerHostValue.Merge(&cfg.BrokerHost)
	brokerPortValue.Merge(&cfg.BrokerPort)
	mqttHostValue.Merge(&cfg.MqttHost)
	mqttPortValue.Merge(&cfg.MqttPort)
	keyFileValue.Merge(&cfg.KeyFile)
	if *maxTime != 0 {
		cfg.MaxTime = *maxTime
	}

	lg := logger.New("mqtt-gateway", *debug || cfg.Debug)

	keys, err := auth.LoadKeys(cfg.KeyFile)
	if err != nil {
		log.Fatal(err)
	}

	base := gateway.NewBase(lg, "MQTT", keys, cfg.BrokerURL())
	ctrl := mqtt.New(lg, base, &mqtt.Config{
		Host:    cfg.MqttHost,
		Port:    cfg.MqttPort,
		MaxTime: cfg.MaxTimeDuration(),
	})
	if err := ctrl.Start(); err != nil {
		log.Fatal(err)
	}
	go base.Run()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	base.Close()
	ctrl.Close()
}
