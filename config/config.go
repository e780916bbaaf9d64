package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/peertrade-network/peertrade-daemon/internal/core/protocol"
)

const (
	// NodeAddressKey is the overlay network address this node joins the hub with
	NodeAddressKey = "NODE_ADDRESS"
	// DatadirKey is the local data directory to store the internal state of daemon
	DatadirKey = "DATA_DIR_PATH"
	// LogLevelKey are the different logging levels. For reference on the values https://godoc.org/github.com/sirupsen/logrus#Level
	LogLevelKey = "LOG_LEVEL"
	// DbTypeKey selects the trade store backend. Either "badger" or "inmemory"
	DbTypeKey = "DB_TYPE"
	// StepTimeoutKey is the duration in seconds granted to message-triggered protocol steps
	StepTimeoutKey = "STEP_TIMEOUT"
	// ConfirmationDepthKey is the number of confirmations required on the deposit tx
	ConfirmationDepthKey = "CONFIRMATION_DEPTH"
	// TradePeriodKey is the maximum trade duration in seconds before a trade counts as expired
	TradePeriodKey = "TRADE_PERIOD"
	// BlockIntervalKey is the simulated block interval in milliseconds of the embedded wallet
	BlockIntervalKey = "BLOCK_INTERVAL"
	// DepositMsgMaxResendsKey caps the resend attempts of the deposit tx message
	DepositMsgMaxResendsKey = "DEPOSIT_MSG_MAX_RESENDS"
	// DepositMsgResendDelayKey is the base backoff in seconds of the deposit tx message
	DepositMsgResendDelayKey = "DEPOSIT_MSG_RESEND_DELAY"
	// PaymentMsgMaxResendsKey caps the resend attempts of the payment started message
	PaymentMsgMaxResendsKey = "PAYMENT_MSG_MAX_RESENDS"
	// PaymentMsgResendDelayKey is the base backoff in seconds of the payment started message
	PaymentMsgResendDelayKey = "PAYMENT_MSG_RESEND_DELAY"
	// AccountMsgMaxResendsKey caps the resend attempts of the payment account message
	AccountMsgMaxResendsKey = "ACCOUNT_MSG_MAX_RESENDS"
	// AccountMsgResendDelayKey is the base backoff in seconds of the payment account message
	AccountMsgResendDelayKey = "ACCOUNT_MSG_RESEND_DELAY"

	DbLocation = "db"

	DbTypeBadger   = "badger"
	DbTypeInmemory = "inmemory"
)

var vip *viper.Viper
var defaultDatadir = btcutil.AppDataDir("peertrade-daemon", false)

func init() {
	vip = viper.New()
	vip.SetEnvPrefix("PEERTRADE")
	vip.AutomaticEnv()

	defaults := protocol.DefaultResendPolicies()

	vip.SetDefault(NodeAddressKey, "localhost:9735")
	vip.SetDefault(DatadirKey, defaultDatadir)
	vip.SetDefault(LogLevelKey, 4)
	vip.SetDefault(DbTypeKey, DbTypeBadger)
	vip.SetDefault(StepTimeoutKey, int(protocol.DefaultStepTimeout.Seconds()))
	vip.SetDefault(ConfirmationDepthKey, 1)
	vip.SetDefault(TradePeriodKey, int(protocol.DefaultMaxTradePeriod.Seconds()))
	vip.SetDefault(BlockIntervalKey, 2000)
	vip.SetDefault(DepositMsgMaxResendsKey, defaults.DepositTx.MaxAttempts)
	vip.SetDefault(DepositMsgResendDelayKey, int(defaults.DepositTx.BaseDelay.Seconds()))
	vip.SetDefault(PaymentMsgMaxResendsKey, defaults.PaymentStarted.MaxAttempts)
	vip.SetDefault(PaymentMsgResendDelayKey, int(defaults.PaymentStarted.BaseDelay.Seconds()))
	vip.SetDefault(AccountMsgMaxResendsKey, defaults.PaymentAccount.MaxAttempts)
	vip.SetDefault(AccountMsgResendDelayKey, int(defaults.PaymentAccount.BaseDelay.Seconds()))

	if err := validate(); err != nil {
		log.WithError(err).Panic("error while validating config")
	}

	if err := initDatadir(); err != nil {
		log.WithError(err).Panic("error while creating datadir")
	}
}

//GetString ...
func GetString(key string) string {
	return vip.GetString(key)
}

//GetInt ...
func GetInt(key string) int {
	return vip.GetInt(key)
}

//GetBool ...
func GetBool(key string) bool {
	return vip.GetBool(key)
}

// Set a value for the given key
func Set(key string, value interface{}) {
	vip.Set(key, value)
}

// IsSet returns whether the give key is set
func IsSet(key string) bool {
	return vip.IsSet(key)
}

//GetDatadir ...
func GetDatadir() string {
	return GetString(DatadirKey)
}

//GetDbDir ...
func GetDbDir() string {
	return filepath.Join(GetDatadir(), DbLocation)
}

//GetStepTimeout ...
func GetStepTimeout() time.Duration {
	return time.Duration(GetInt(StepTimeoutKey)) * time.Second
}

//GetConfirmationDepth ...
func GetConfirmationDepth() uint32 {
	return uint32(GetInt(ConfirmationDepthKey))
}

//GetTradePeriod ...
func GetTradePeriod() time.Duration {
	return time.Duration(GetInt(TradePeriodKey)) * time.Second
}

//GetBlockInterval ...
func GetBlockInterval() time.Duration {
	return time.Duration(GetInt(BlockIntervalKey)) * time.Millisecond
}

// GetResendPolicies builds the per-message-type retry configuration from the
// environment. FailOnExhaustion is a protocol property, not a tunable.
func GetResendPolicies() protocol.ResendPolicies {
	defaults := protocol.DefaultResendPolicies()
	return protocol.ResendPolicies{
		DepositTx: protocol.ResendPolicy{
			MaxAttempts:      GetInt(DepositMsgMaxResendsKey),
			BaseDelay:        time.Duration(GetInt(DepositMsgResendDelayKey)) * time.Second,
			FailOnExhaustion: defaults.DepositTx.FailOnExhaustion,
		},
		PaymentStarted: protocol.ResendPolicy{
			MaxAttempts:      GetInt(PaymentMsgMaxResendsKey),
			BaseDelay:        time.Duration(GetInt(PaymentMsgResendDelayKey)) * time.Second,
			FailOnExhaustion: defaults.PaymentStarted.FailOnExhaustion,
		},
		PaymentAccount: protocol.ResendPolicy{
			MaxAttempts:      GetInt(AccountMsgMaxResendsKey),
			BaseDelay:        time.Duration(GetInt(AccountMsgResendDelayKey)) * time.Second,
			FailOnExhaustion: defaults.PaymentAccount.FailOnExhaustion,
		},
	}
}

func validate() error {
	datadir := GetString(DatadirKey)
	if len(datadir) <= 0 {
		return fmt.Errorf("datadir must not be null")
	}

	if dbType := GetString(DbTypeKey); dbType != DbTypeBadger && dbType != DbTypeInmemory {
		return fmt.Errorf(
			"db type must be either '%s' or '%s'", DbTypeBadger, DbTypeInmemory,
		)
	}

	for _, key := range []string{
		DepositMsgMaxResendsKey, PaymentMsgMaxResendsKey, AccountMsgMaxResendsKey,
	} {
		if GetInt(key) < 1 {
			return fmt.Errorf("%s must be at least 1", key)
		}
	}
	return nil
}

func initDatadir() error {
	datadir := GetDatadir()
	if err := makeDirectoryIfNotExists(datadir); err != nil {
		return err
	}
	return makeDirectoryIfNotExists(GetDbDir())
}

func makeDirectoryIfNotExists(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return os.MkdirAll(path, os.ModeDir|0755)
	}
	return nil
}
