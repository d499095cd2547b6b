package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/aiot/aiot/internal/auth"
	"github.com/aiot/aiot/internal/coap"
	"github.com/aiot/aiot/internal/config"
	"github.com/aiot/aiot/internal/gateway"
	"github.com/aiot/aiot/internal/logger"
)

func main() {
	brokerHost := config.DefaultBrokerHost
	brokerPort := config.DefaultBrokerPort
	coapPort := coap.DefaultPort
	keyFile := auth.DefaultKeyFilename

	brokerHostValue := config.NewStrValue(&brokerHost)
	brokerPortValue := config.NewStrValue(&brokerPort)
	coapPortValue := config.NewStrValue(&coapPort)
	keyFileValue := config.NewStrValue(&keyFile)

	flag.Var(brokerHostValue, "broker-host", "broker host")
	flag.Var(brokerPortValue, "broker-port", "broker port")
	flag.Var(coapPortValue, "coap-port", "coap server port")
	flag.Var(keyFileValue, "key-file", "authentication key file")
	maxTime := flag.Int("max-time", 0, "node expiry delay in seconds")
	useCoaps := flag.Bool("use-coaps", false, "serve coaps (DTLS with pre-shared key)")
	credentialsFile := flag.String("credentials-file", auth.DefaultCredentialsFilename, "DTLS credentials file")
	configFile := flag.String("config", "", "configuration file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatal(err)
	}
	brokerHostValue.Merge(&cfg.BrokerHost)
	brokerPortValue.Merge(&cfg.BrokerPort)
	coapPortValue.Merge(&cfg.CoapPort)
	keyFileValue.Merge(&cfg.KeyFile)
	if *maxTime != 0 {
		cfg.MaxTime = *maxTime
	}

	lg := logger.New("coap-gateway", *debug || cfg.Debug)

	keys, err := auth.LoadKeys(cfg.KeyFile)
	if err != nil {
		log.Fatal(err)
	}

	ctrlConfig := &coap.Config{
		Port:    cfg.CoapPort,
		MaxTime: cfg.MaxTimeDuration(),
		UseDTLS: *useCoaps,
	}
	if *useCoaps {
		creds, err := auth.LoadCredentials(*credentialsFile)
		if err != nil {
			log.Fatal(err)
		}
		ctrlConfig.Credentials = creds
	}

	base := gateway.NewBase(lg, "CoAP", keys, cfg.BrokerURL())
	ctrl := coap.New(lg, base, ctrlConfig)
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
