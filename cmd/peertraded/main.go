package main

import (
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/peertrade-network/peertrade-daemon/config"
	"github.com/peertrade-network/peertrade-daemon/internal/core/application"
	"github.com/peertrade-network/peertrade-daemon/internal/core/domain"
	dbbadger "github.com/peertrade-network/peertrade-daemon/internal/infrastructure/storage/db/badger"
	"github.com/peertrade-network/peertrade-daemon/internal/infrastructure/storage/db/inmemory"
	"github.com/peertrade-network/peertrade-daemon/internal/infrastructure/transport/inproc"
	"github.com/peertrade-network/peertrade-daemon/internal/infrastructure/wallet/simulator"
)

func main() {
	log.SetLevel(log.Level(config.GetInt(config.LogLevelKey)))

	var tradeRepo domain.TradeRepository
	if config.GetString(config.DbTypeKey) == config.DbTypeBadger {
		dbManager, err := dbbadger.NewDbManager(config.GetDbDir(), nil)
		if err != nil {
			log.WithError(err).Panic("error while opening db")
		}
		defer dbManager.Close()
		tradeRepo = dbbadger.NewTradeRepositoryImpl(dbManager)
	} else {
		tradeRepo = inmemory.NewTradeRepositoryImpl()
	}

	nodeAddress := domain.NodeAddress(config.GetString(config.NodeAddressKey))
	network := inproc.NewNetwork()
	messenger := network.Join(nodeAddress, []byte(nodeAddress))
	walletSvc := simulator.NewWalletService(config.GetBlockInterval())

	tradeSvc := application.NewTradeService(
		tradeRepo, messenger, walletSvc, config.GetResendPolicies(),
		config.GetStepTimeout(), config.GetConfirmationDepth(), config.GetTradePeriod(),
	)
	if err := tradeSvc.Start(); err != nil {
		log.WithError(err).Panic("error while starting trade host")
	}
	defer tradeSvc.Stop()

	log.Infof("daemon listening as %s", nodeAddress)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	<-sigChan

	log.Debug("exiting")
}
