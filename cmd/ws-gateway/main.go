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
	"github.com/aiot/aiot/internal/server"
	"github.com/aiot/aiot/internal/wsnode"
)

func main() {
	brokerHost := config.DefaultBrokerHost
	brokerPort := config.DefaultBrokerPort
	gatewayPort := config.DefaultGatewayPort
	keyFile := auth.DefaultKeyFilename

	brokerHostValue := config.NewStrValue(&brokerHost)
	brokerPortValue := config.NewStrValue(&brokerPort)
	gatewayPortValue := config.NewStrValue(&gatewayPort)
	keyFileValue := config.NewStrValue(&keyFile)

	flag.Var(brokerHostValue, "broker-host", "broker host")
	flag.Var(brokerPortValue, "broker-port", "broker port")
	flag.Var(gatewayPortValue, "gateway-port", "node websocket server port")
	flag.Var(keyFileValue, "key-file", "authentication key file")
	configFile := flag.String("config", "", "configuration file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatal(err)
	}
	brokerHostValue.Merge(&cfg.BrokerHost)
	brokerPortValue.Merge(&cfg.BrokerPort)
	gatewayPortValue.Merge(&cfg.GatewayPort)
	keyFileValue.Merge(&cfg.KeyFile)

	lg := logger.New("ws-gateway", *debug || cfg.Debug)

	keys, err := auth.LoadKeys(cfg.KeyFile)
	if err != nil {
		log.Fatal(err)
	}

	base := gateway.NewBase(lg, "WebSocket", keys, cfg.BrokerURL())
	ctrl := wsnode.New(lg, base)
	srv := server.New(lg, &server.Config{Port: cfg.GatewayPort})
	srv.HandleFunc("/node", ctrl.HandleNode)
	srv.ListenAndServe()
	go base.Run()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	srv.Close()
	ctrl.Close()
	base.Close()
}
