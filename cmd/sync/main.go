package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"elims-sync/internal/config"
	"elims-sync/internal/database/influx"
	"elims-sync/internal/database/postgres"
	"elims-sync/internal/database/postgres/repositories"
	"elims-sync/internal/logger"
	"elims-sync/internal/mqtt"
	"elims-sync/internal/mqtt/handlers"
	"elims-sync/internal/services"
)

type Application struct {
	config *config.Config

	postgresDB *postgres.PostgresDB
	influxDB   *influx.InfluxDB

	deviceRepository      *repositories.DeviceRepository
	temperatureRepository *repositories.TemperatureRepository
	telemetryWriter       *influx.TelemetryWriter

	telemetryService *services.TelemetryService
	deviceService    *services.DeviceService

	mqttClient *mqtt.Client
	publisher  *mqtt.Publisher
	subscriber *mqtt.Subscriber

	telemetryHandler *handlers.TelemetryHandler
	statusHandler    *handlers.StatusHandler

	shutdownChan chan os.Signal
	ctx          context.Context
	cancelFunc   context.CancelFunc
}

func main() {
	app := &Application{}

	if err := app.initialize(); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize application")
	}

	if err := app.run(); err != nil {
		log.Fatal().Err(err).Msg("Failed to run application")
	}
}

func (app *Application) initialize() error {
	var err error

	app.config, err = config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %v", err)
	}

	logger.NewLogger(app.config.Logger)
	log.Info().
		Str("component", "main").
		Str("version", app.config.Service.Version).
		Msg("Setting up service...")

	app.ctx, app.cancelFunc = context.WithCancel(context.Background())
	app.shutdownChan = make(chan os.Signal, 1)
	signal.Notify(app.shutdownChan, syscall.SIGINT, syscall.SIGTERM)

	if err := app.initializeDatabases(); err != nil {
		return fmt.Errorf("error while initializing databases: %w", err)
	}

	if err := app.initializeRepositories(); err != nil {
		return fmt.Errorf("error while initializing repositories: %w", err)
	}

	if err := app.initializeMQTT(); err != nil {
		return fmt.Errorf("error while initializing MQTT: %w", err)
	}

	if err := app.initializeServices(); err != nil {
		return fmt.Errorf("error while initializing services: %w", err)
	}

	if err := app.setupTopicHandlers(); err != nil {
		return fmt.Errorf("error while setting up topic handlers: %w", err)
	}

	if err := app.connectMQTT(); err != nil {
		return fmt.Errorf("error while connecting to MQTT broker: %w", err)
	}

	log.Info().Msg("Successfully initialized application")
	return nil
}

func (app *Application) initializeDatabases() error {
	var err error

	app.postgresDB, err = postgres.NewConnection(app.config.Postgres)
	if err != nil {
		return fmt.Errorf("could not connect to PostgreSQL: %w", err)
	}

	app.influxDB, err = influx.NewConnection(&app.config.InfluxDB)
	if err != nil {
		return fmt.Errorf("could not connect to InfluxDB: %w", err)
	}

	log.Info().
		Str("component", "main").
		Str("host", app.config.Postgres.Host).
		Msg("Successfully initialized databases")
	return nil
}

func (app *Application) initializeRepositories() error {
	db := app.postgresDB.GetDB()

	app.deviceRepository = repositories.NewDeviceRepository(db)
	app.temperatureRepository = repositories.NewTemperatureRepository(db)
	app.telemetryWriter = influx.NewTelemetryWriter(
		app.influxDB.GetWriteAPI(),
		logger.GetLogger("telemetry-writer"),
	)

	log.Info().
		Str("component", "main").
		Msg("Successfully initialized repositories")
	return nil
}

func (app *Application) initializeMQTT() error {
	if err := app.config.MQTT.Validate(); err != nil {
		return fmt.Errorf("invalid MQTT configuration: %w", err)
	}

	app.mqttClient = mqtt.NewClient(&app.config.MQTT, logger.GetLogger("mqtt-client"))
	app.publisher = mqtt.NewPublisher(app.mqttClient, &app.config.MQTT, logger.GetLogger("mqtt-publisher"))
	app.subscriber = mqtt.NewSubscriber(
		app.mqttClient,
		&app.config.MQTT,
		app.config.Service.HandlerTimeout,
		logger.GetLogger("mqtt-subscriber"),
	)

	log.Info().
		Str("component", "main").
		Str("broker", app.config.MQTT.BrokerURL()).
		Msg("Successfully initialized MQTT client")
	return nil
}

func (app *Application) initializeServices() error {
	app.telemetryService = services.NewTelemetryService(
		app.temperatureRepository,
		app.deviceRepository,
		app.telemetryWriter,
		logger.GetLogger("telemetry-service"),
	)

	app.deviceService = services.NewDeviceService(
		app.deviceRepository,
		app.publisher,
		logger.GetLogger("device-service"),
	)

	log.Info().
		Str("component", "main").
		Msg("Successfully initialized services")
	return nil
}

func (app *Application) setupTopicHandlers() error {
	app.telemetryHandler = handlers.NewTelemetryHandler(
		app.telemetryService,
		logger.GetLogger("telemetry-handler"),
	)
	app.statusHandler = handlers.NewStatusHandler(
		app.deviceService,
		app.config.MQTT.ClientID,
		logger.GetLogger("status-handler"),
	)

	telemetryFilter := mqtt.ClassFilter(mqtt.ClassTelemetry)
	if err := app.subscriber.Subscribe(telemetryFilter, app.telemetryHandler.Handle); err != nil {
		return fmt.Errorf("error subscribing to telemetry topic: %w", err)
	}

	statusFilter := mqtt.ClassFilter(mqtt.ClassStatus)
	if err := app.subscriber.Subscribe(statusFilter, app.statusHandler.Handle); err != nil {
		return fmt.Errorf("error subscribing to status topic: %w", err)
	}

	app.subscriber.Start()
	return nil
}

func (app *Application) connectMQTT() error {
	connectCtx, cancel := context.WithTimeout(app.ctx, 30*time.Second)
	defer cancel()

	if err := app.mqttClient.Connect(connectCtx); err != nil {
		return fmt.Errorf("could not connect to MQTT broker: %w", err)
	}

	log.Info().
		Str("component", "main").
		Msg("Successfully connected to MQTT broker")
	return nil
}

func (app *Application) run() error {
	staleTicker := time.NewTicker(app.config.Service.DeviceTimeoutDuration)
	defer staleTicker.Stop()

	for {
		select {
		case <-staleTicker.C:
			if err := app.deviceService.MarkStaleDevices(app.ctx, app.config.Service.DeviceTimeoutDuration); err != nil {
				log.Error().Err(err).Msg("Failed to mark stale devices")
			}
		case sig := <-app.shutdownChan:
			log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
			return app.shutdown()
		case <-app.ctx.Done():
			log.Info().Msg("context cancelled, shutting down application")
			return app.shutdown()
		}
	}
}

func (app *Application) shutdown() error {
	if app.subscriber != nil {
		app.subscriber.Stop()
	}

	if app.mqttClient != nil {
		app.mqttClient.Disconnect()
	}

	if app.influxDB != nil {
		app.influxDB.Close()
	}

	if app.postgresDB != nil {
		if err := app.postgresDB.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing PostgreSQL connection")
		}
	}

	app.cancelFunc()
	return nil
}
