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

package api

import (
	"net/http"
	"time"

	"github.com/gin-contrib/gzip"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/united-manufacturing-hub/broker-storage/cmd/broker-storage/conflictmanager"
	"github.com/united-manufacturing-hub/broker-storage/cmd/broker-storage/kafka"
	"go.uber.org/zap"
)

type ManagerSource interface {
	GetStatistics() conflictmanager.Statistics
}

type IntakeSource interface {
	Stats() kafka.IntakeStats
}

type PublisherSource interface {
	Stats() kafka.PublisherStats
}

// Sources are the components whose statistics are served. Nil intakes and a nil
// publisher are left out of the response.
type Sources struct {
	Manager   ManagerSource
	Intakes   map[string]IntakeSource
	Publisher PublisherSource
}

type statisticsResponse struct {
	ConflictManager conflictmanager.Statistics   `json:"conflict_manager"`
	Intakes         map[string]kafka.IntakeStats `json:"intakes,omitempty"`
	Publisher       *kafka.PublisherStats        `json:"publisher,omitempty"`
}

// NewRouter builds the read only REST API.
func NewRouter(sources Sources) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	// Logs every request, RFC3339 in UTC
	router.Use(ginzap.Ginzap(zap.L(), time.RFC3339, true))
	// Logs panics with their stack
	router.Use(ginzap.RecoveryWithZap(zap.L(), true))
	router.Use(gzip.Gzip(gzip.DefaultCompression))

	router.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "online")
	})

	v1 := router.Group("/api/v1")
	{
		v1.GET("/statistics", sources.getStatisticsHandler)
		v1.GET("/statistics/conflict-manager", sources.getManagerStatisticsHandler)
		v1.GET("/instances/unresponsive", sources.getUnresponsiveHandler)
	}
	return router
}

func (s Sources) getStatisticsHandler(c *gin.Context) {
	resp := statisticsResponse{ConflictManager: s.Manager.GetStatistics()}
	if len(s.Intakes) > 0 {
		resp.Intakes = make(map[string]kafka.IntakeStats, len(s.Intakes))
		for lane, intake := range s.Intakes {
			resp.Intakes[lane] = intake.Stats()
		}
	}
	if s.Publisher != nil {
		stats := s.Publisher.Stats()
		resp.Publisher = &stats
	}
	c.JSON(http.StatusOK, resp)
}

func (s Sources) getManagerStatisticsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.Manager.GetStatistics())
}

func (s Sources) getUnresponsiveHandler(c *gin.Context) {
	unresponsive := s.Manager.GetStatistics().Unresponsive
	if unresponsive == nil {
		unresponsive = []uint32{}
	}
	c.JSON(http.StatusOK, gin.H{"unresponsive_instances": unresponsive})
}

// Serve runs the router on address until the server is closed.
func Serve(address string, router *gin.Engine) *http.Server {
	server := &http.Server{
		Addr:              address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zap.S().Errorf("REST API stopped: %s", err)
		}
	}()
	zap.S().Infof("REST API listening on %s", address)
	return server
}
