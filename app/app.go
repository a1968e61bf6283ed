// Package app wires the service components from a loaded configuration.
package app

import (
	"fmt"

	"go.uber.org/zap"

	"moonlight/classify"
	"moonlight/config"
	"moonlight/db"
	"moonlight/logging"
	"moonlight/notify"
	"moonlight/quantum"
)

type App struct {
	Config  *config.Config
	Logger  *zap.Logger
	Level   zap.AtomicLevel
	Store   *db.Store
	Sender  *notify.SMTPSender
	Client  *quantum.Client
	Service *classify.Service
}

// New builds the logger, job store, provider client, mailer and the
// classification service described by cfg.
func New(cfg *config.Config) (*App, error) {
	logger, level, err := logging.New(logOptions(cfg))
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	store, err := db.Open(cfg.Database.Path)
	if err != nil {
		logger.Sync()
		return nil, fmt.Errorf("init job store: %w", err)
	}

	client := quantum.NewClient(quantum.ClientConfig{
		AuthURL:      cfg.Provider.AuthURL,
		APIURL:       cfg.Provider.APIURL,
		Hub:          cfg.Provider.Hub,
		Timeout:      cfg.Provider.Timeout,
		PollInterval: cfg.Provider.PollInterval,
		MaxRetries:   cfg.Provider.MaxRetries,
		CacheSize:    cfg.Provider.CacheSize,
		CacheTTL:     cfg.Provider.CacheTTL,
	}, logger)

	sender := notify.NewSMTPSender(smtpSettings(cfg))
	mailer := notify.NewMailer(sender, func() string { return sender.Settings().From }, logger)

	service := classify.NewService(classify.Config{
		Simulator: cfg.Provider.Simulator,
		Label:     cfg.Job.Label,
		Charset:   cfg.Dataset.Charset,
		Timeout:   cfg.Job.Timeout,
		Job: quantum.JobOptions{
			Reps:  cfg.Job.Reps,
			Shots: cfg.Job.Shots,
			Seed:  cfg.Job.Seed,
		},
	}, client, mailer, logger)
	service.SetJobStore(store)

	return &App{
		Config:  cfg,
		Logger:  logger,
		Level:   level,
		Store:   store,
		Sender:  sender,
		Client:  client,
		Service: service,
	}, nil
}

// Reload applies the settings of cfg that can change without a restart: the
// log level and the mail account.
func (a *App) Reload(cfg *config.Config) {
	if err := logging.SetLevel(a.Level, cfg.Log.Level); err != nil {
		a.Logger.Warn("ignoring invalid log level", zap.String("level", cfg.Log.Level), zap.Error(err))
	}
	a.Sender.Update(smtpSettings(cfg))
	a.Logger.Info("configuration reloaded", zap.String("log_level", a.Level.String()))
}

func (a *App) Close() error {
	defer a.Logger.Sync()
	return a.Store.Close()
}

func logOptions(cfg *config.Config) logging.Options {
	return logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Console:    cfg.Log.Console,
	}
}

func smtpSettings(cfg *config.Config) notify.SMTPSettings {
	return notify.SMTPSettings{
		Addr:     cfg.SMTP.Addr,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
	}
}
