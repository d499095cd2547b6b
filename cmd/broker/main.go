package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/aiot/aiot/internal/auth"
	"github.com/aiot/aiot/internal/broker"
	"github.com/aiot/aiot/internal/config"
	"github.com/aiot/aiot/internal/logger"
	"github.com/aiot/aiot/internal/server"
)

func main() {
	port := server.DefaultPort
	keyFile := auth.DefaultKeyFilename

	portValue := config.NewStrValue(&port)
	keyFileValue := config.NewStrValue(&keyFile)

	flag.Var(portValue, "port", "websocket server port")
	flag.Var(keyFileValue, "key-file", "authentication key file")
	configFile := flag.String("config", "", "configuration file")
	debug := flag.Bool("debug", false, "enable debug logging")
	genKeys := flag.Bool("gen-keys", false, "generate a new key file and exit")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatal(err)
	}
	portValue.Merge(&cfg.Port)
	keyFileValue.Merge(&cfg.KeyFile)

	if *genKeys {
		keys, err := auth.GenerateKeys()
		if err != nil {
			log.Fatal(err)
		}
		if err := auth.WriteKeys(cfg.KeyFile, keys); err != nil {
			log.Fatal(err)
		}
		log.Printf("wrote key file %s", cfg.KeyFile)
		return
	}

	lg := logger.New("broker", *debug || cfg.Debug)

	keys, err := auth.LoadKeys(cfg.KeyFile)
	if err != nil {
		log.Fatal(err)
	}

	hub := broker.NewHub(lg, keys)
	srv := server.New(lg, &server.Config{Port: cfg.Port})
	srv.HandleFunc("/ws", hub.HandleClient)
	srv.HandleFunc("/gw", hub.HandleGateway)
	srv.ListenAndServe()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	srv.Close()
	hub.Close()
}
