package main

import (
	"context"
	"crypto/ecdsa"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/glebarez/sqlite"
	log "github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"voting-ledger/api"
	"voting-ledger/config"
	"voting-ledger/encryption"
	"voting-ledger/integrity"
	"voting-ledger/ledger"
	"voting-ledger/models"
	"voting-ledger/otp"
	"voting-ledger/service"
)

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	settings, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("configuration error")
	}

	db, err := openDatabase(settings)
	if err != nil {
		log.WithError(err).Fatal("database connection error")
	}
	if err := models.AutoMigrate(db); err != nil {
		log.WithError(err).Fatal("auto migrate error")
	}

	key, err := encryption.KeyFromConfig(settings.EncryptionKey, settings.Production())
	if err != nil {
		log.WithError(err).Fatal("encryption key error")
	}
	codec, err := encryption.NewCodec(key)
	if err != nil {
		log.WithError(err).Fatal("codec init error")
	}

	chain, err := ledger.NewEVMClient(ledger.EVMConfig{
		RPCURL:          settings.RPCURL,
		ChainID:         settings.ChainID,
		FinalityTimeout: settings.FinalityTimeout,
		FunderKeyHex:    settings.FunderKey,
	})
	if err != nil {
		log.WithError(err).Fatal("ledger client error")
	}

	creatorKey, err := parseOptionalKey(settings.CreatorKey)
	if err != nil {
		log.WithError(err).Fatal("invalid election creator key")
	}
	adminKey, err := parseOptionalKey(settings.AdminKey)
	if err != nil {
		log.WithError(err).Fatal("invalid admin key")
	}
	if creatorKey == nil && adminKey == nil {
		log.Warn("no eligibility grant key configured; confirms for ineligible voters will fail")
	}

	integritySvc := integrity.NewService(db, settings.TreeCacheTTL)

	lifecycle := service.New(service.Config{
		DB:         db,
		Codec:      codec,
		Integrity:  integritySvc,
		Chain:      chain,
		Codes:      otp.NewMemoryService(settings.CodeTTL, otp.LogSender{}),
		CreatorKey: creatorKey,
		AdminKey:   adminKey,
		MinFee:     settings.MinFeeWei,
	})

	server := api.New(api.Config{
		Lifecycle: lifecycle,
		Integrity: integritySvc,
	})

	httpServer := &http.Server{
		Addr:              settings.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.WithField("addr", settings.ListenAddr).Info("starting voting ledger API")
		serverErr <- httpServer.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.WithError(err).Fatal("server error")
	case sig := <-sigChan:
		log.WithField("signal", sig.String()).Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			log.WithError(err).Error("shutdown error")
		}
	}
}

func openDatabase(settings *config.Settings) (*gorm.DB, error) {
	switch settings.DatabaseDriver {
	case "postgres":
		return gorm.Open(postgres.Open(settings.DatabaseDSN), &gorm.Config{})
	default:
		return gorm.Open(sqlite.Open(settings.DatabaseDSN), &gorm.Config{})
	}
}

func parseOptionalKey(hexKey string) (*ecdsa.PrivateKey, error) {
	if hexKey == "" {
		return nil, nil
	}
	return ethcrypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
}
