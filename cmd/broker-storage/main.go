// Copyright 2023 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/united-manufacturing-hub/broker-storage/cmd/broker-storage/api"
	"github.com/united-manufacturing-hub/broker-storage/cmd/broker-storage/conflictmanager"
	"github.com/united-manufacturing-hub/broker-storage/cmd/broker-storage/helper"
	"github.com/united-manufacturing-hub/broker-storage/cmd/broker-storage/kafka"
	"github.com/united-manufacturing-hub/broker-storage/cmd/broker-storage/postgresql"
	"github.com/united-manufacturing-hub/broker-storage/cmd/broker-storage/shared"
	"github.com/united-manufacturing-hub/broker-storage/internal"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"go.uber.org/zap"
)

type kafkaConfig struct {
	brokers      []string
	sqlTopic     string
	storageTopic string
	outputTopic  string
	group        string
	instanceID   string
	maxInFlight  int
}

func main() {
	helper.InitLogging()
	defer func() {
		_ = zap.L().Sync()
	}()
	initPrometheus()
	internal.Initfgtrace()

	kCfg, err := kafkaConfigFromEnv()
	if err != nil {
		zap.S().Fatal(err)
	}
	engineCfg, err := conflictmanager.ConfigFromEnv()
	if err != nil {
		zap.S().Fatal(err)
	}

	pool, err := postgresql.Connect()
	if err != nil {
		zap.S().Fatalf("Failed to connect to the database: %s", err)
	}

	publisher, err := kafka.NewPublisher(kCfg.brokers, kCfg.outputTopic, kCfg.instanceID)
	if err != nil {
		zap.S().Fatalf("Failed to create the event publisher: %s", err)
	}

	manager, err := conflictmanager.New(pool, publisher, engineCfg)
	if err != nil {
		zap.S().Fatalf("Failed to create the conflict manager: %s", err)
	}
	if err = manager.InitSQL(engineCfg.SQL); err != nil {
		zap.S().Fatalf("Failed to start the sql lane: %s", err)
	}
	initCtx, initCancel := context.WithTimeout(context.Background(), engineCfg.StorageInitTimeout+time.Second)
	err = manager.InitStorage(initCtx, engineCfg.Storage)
	initCancel()
	if err != nil {
		zap.S().Fatalf("Failed to start the storage lane: %s", err)
	}

	intakes := make(map[shared.Lane]*kafka.Intake, len(shared.Lanes))
	topics := map[shared.Lane]string{
		shared.LaneSQL:     kCfg.sqlTopic,
		shared.LaneStorage: kCfg.storageTopic,
	}
	for _, lane := range shared.Lanes {
		intake, errX := kafka.NewIntake(kCfg.brokers, topics[lane], kCfg.group+"-"+lane.String(), kCfg.instanceID+"-"+lane.String(), manager,
			kafka.IntakeConfig{Lane: lane, MaxInFlight: kCfg.maxInFlight})
		if errX != nil {
			zap.S().Fatalf("Failed to create the %s intake: %s", lane, errX)
		}
		intakes[lane] = intake
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, intake := range intakes {
		wg.Add(1)
		go func(intake *kafka.Intake) {
			defer wg.Done()
			intake.Run(ctx)
		}(intake)
	}

	initHealthCheck(pool, manager, intakes)

	apiSources := api.Sources{
		Manager:   manager,
		Intakes:   make(map[string]api.IntakeSource, len(intakes)),
		Publisher: publisher,
	}
	for lane, intake := range intakes {
		apiSources.Intakes[lane.String()] = intake
	}
	server := api.Serve(":8080", api.NewRouter(apiSources))

	gs := internal.NewGracefulShutdown(func() error {
		zap.S().Infof("Stopping intakes")
		cancel()
		wg.Wait()

		for _, lane := range shared.Lanes {
			if left := manager.Unload(lane); left > 0 {
				zap.S().Warnf("%d events of the %s lane were not acknowledged and will be redelivered", left, lane)
			}
		}
		for lane, intake := range intakes {
			if errX := intake.Close(); errX != nil {
				zap.S().Errorf("Failed to close the %s intake: %s", lane, errX)
			}
		}
		if errX := publisher.Close(); errX != nil {
			zap.S().Errorf("Failed to close the publisher: %s", errX)
		}
		pool.Close()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})
	gs.Wait()
}

func kafkaConfigFromEnv() (kafkaConfig, error) {
	var cfg kafkaConfig
	brokers, err := env.GetAsString("KAFKA_BROKERS", true, "")
	if err != nil {
		return cfg, err
	}
	for _, broker := range strings.Split(brokers, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			cfg.brokers = append(cfg.brokers, broker)
		}
	}
	if cfg.sqlTopic, err = env.GetAsString("KAFKA_SQL_TOPIC", false, "umh.v1.broker.sql"); err != nil {
		return cfg, err
	}
	if cfg.storageTopic, err = env.GetAsString("KAFKA_STORAGE_TOPIC", false, "umh.v1.broker.storage"); err != nil {
		return cfg, err
	}
	if cfg.outputTopic, err = env.GetAsString("KAFKA_PUBLISH_TOPIC", false, "umh.v1.broker.events"); err != nil {
		return cfg, err
	}
	if cfg.group, err = env.GetAsString("KAFKA_CONSUMER_GROUP", false, "broker-storage"); err != nil {
		return cfg, err
	}
	if cfg.instanceID, err = env.GetAsString("SERIAL_NUMBER", true, ""); err != nil {
		return cfg, err
	}
	if cfg.maxInFlight, err = env.GetAsInt("KAFKA_MAX_IN_FLIGHT", false, 10000); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func initPrometheus() {
	metricsPath := "/metrics"
	metricsPort := ":2112"
	zap.S().Debugf("Setting up metrics %s %v", metricsPath, metricsPort)

	mux := http.NewServeMux()
	mux.Handle(metricsPath, promhttp.Handler())
	go func() {
		/* #nosec G114 */
		err := http.ListenAndServe(metricsPort, mux)
		if err != nil {
			zap.S().Errorf("Error starting metrics: %s", err)
		}
	}()
}

func initHealthCheck(pool *postgresql.Pool, manager *conflictmanager.Manager, intakes map[shared.Lane]*kafka.Intake) {
	zap.S().Debugf("Setting up healthcheck")

	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(1000000))
	health.AddReadinessCheck("database", pool.GetHealthCheck())
	health.AddLivenessCheck("conflict-manager", manager.GetHealthCheck())
	for lane, intake := range intakes {
		health.AddLivenessCheck("kafka-"+lane.String(), intake.LivenessCheck())
		health.AddReadinessCheck("kafka-"+lane.String(), intake.ReadinessCheck())
	}
	go func() {
		/* #nosec G114 */
		err := http.ListenAndServe("0.0.0.0:8086", health)
		if err != nil {
			zap.S().Errorf("Error starting healthcheck: %s", err)
		}
	}()
}
