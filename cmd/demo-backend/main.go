// Command demo-backend is a self-contained stand-in for the growth
// backend: it serves the ingestion, profile, entitlement, and purchase
// endpoints the SDK's backend client speaks, keeping everything in
// memory. Point a locally built SDK at it to exercise enrollment and
// batching end to end without real infrastructure.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/nuxie/growth-core/internal/campaign"
	"github.com/nuxie/growth-core/internal/ir"
	"github.com/nuxie/growth-core/internal/logger"
)

type store struct {
	mu       sync.Mutex
	events   []json.RawMessage
	profiles map[string]profileDoc
}

type profileDoc struct {
	Campaigns   []*campaign.Campaign  `json:"campaigns"`
	Segments    []*ir.Segment         `json:"segments"`
	Features    map[string]ir.Feature `json:"features"`
	Experiments map[string]string     `json:"experiments"`
}

func main() {
	log := logger.New("info", os.Getenv("LOG_FORMAT"))

	st := &store{profiles: map[string]profileDoc{}}
	if path := os.Getenv("CATALOG_FILE"); path != "" {
		if err := st.loadCatalog(path); err != nil {
			fmt.Fprintf(os.Stderr, "failed to load catalog %s: %v\n", path, err)
			os.Exit(1)
		}
		log.Info("loaded campaign catalog", "path", path)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
	})

	e.POST("/api/i/event", st.handleEvent)
	e.POST("/api/i/batch", st.handleBatch)
	e.GET("/profile", st.handleProfile)
	e.GET("/entitled", st.handleEntitled)
	e.POST("/purchase", st.handlePurchase)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8090"
	}
	log.Info("demo backend listening", "port", port)
	if err := e.Start(":" + port); err != nil && err != http.ErrServerClosed {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

// loadCatalog reads a JSON file mapping distinct ids to profile
// documents; the key "*" serves as the default profile for any id.
func (s *store) loadCatalog(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, &s.profiles)
}

func (s *store) handleEvent(c echo.Context) error {
	var raw json.RawMessage
	if err := c.Bind(&raw); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"status": "error", "message": err.Error()})
	}
	s.mu.Lock()
	s.events = append(s.events, raw)
	s.mu.Unlock()
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *store) handleBatch(c echo.Context) error {
	var body struct {
		Events []json.RawMessage `json:"events"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"status": "error", "message": err.Error()})
	}
	s.mu.Lock()
	s.events = append(s.events, body.Events...)
	total := len(s.events)
	s.mu.Unlock()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status": "ok", "processed": len(body.Events), "failed": 0, "total": total,
	})
}

func (s *store) handleProfile(c echo.Context) error {
	distinctID := c.QueryParam("distinctId")
	s.mu.Lock()
	doc, ok := s.profiles[distinctID]
	if !ok {
		doc, ok = s.profiles["*"]
	}
	s.mu.Unlock()
	if !ok {
		doc = profileDoc{}
	}
	return c.JSON(http.StatusOK, doc)
}

func (s *store) handleEntitled(c echo.Context) error {
	distinctID := c.QueryParam("distinctId")
	featureID := c.QueryParam("featureId")
	s.mu.Lock()
	doc, ok := s.profiles[distinctID]
	if !ok {
		doc = s.profiles["*"]
	}
	s.mu.Unlock()

	feat, ok := doc.Features[featureID]
	if !ok {
		return c.JSON(http.StatusOK, map[string]interface{}{"allowed": false, "balance": 0})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"allowed": feat.Allowed, "balance": feat.Balance})
}

// handlePurchase acknowledges any purchase and grants every feature in
// the caller's profile, the optimistic behavior a demo needs.
func (s *store) handlePurchase(c echo.Context) error {
	var body struct {
		DistinctID    string `json:"distinctId"`
		TransactionID string `json:"transactionId"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{"success": false, "error": err.Error()})
	}

	s.mu.Lock()
	doc := s.profiles[body.DistinctID]
	features := make([]string, 0, len(doc.Features))
	for id, feat := range doc.Features {
		feat.Allowed = true
		doc.Features[id] = feat
		features = append(features, id)
	}
	s.mu.Unlock()

	return c.JSON(http.StatusOK, map[string]interface{}{
		"success": true, "customer_id": body.DistinctID, "features": features,
	})
}
