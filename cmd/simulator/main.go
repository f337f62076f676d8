package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/ukydev/fleet-maintenance/internal/models"
)

// AssetState is the simulated meter of one field asset.
type AssetState struct {
	AssetID    string
	Metric     models.MetricKind
	Meter      float64
	RatePerDay float64 // mean usage per simulated day

	ScheduleID  string
	Interval    float64
	LastService float64
}

// FieldClient is a tablet that records readings offline and flushes them in batches.
type FieldClient struct {
	ID     string
	APIURL string
	Token  string

	// ResendProb is the chance a flushed batch is sent again, as after a lost ack.
	ResendProb float64
	// OfflineProb is the chance a flush is skipped because there is no signal.
	OfflineProb float64

	outbox      []models.Reading
	completions []models.CompletionEvent
	rng         *rand.Rand
	http        *http.Client
}

func NewFieldClient(id, apiURL, token string, rng *rand.Rand) *FieldClient {
	return &FieldClient{
		ID:     id,
		APIURL: apiURL,
		Token:  token,
		rng:    rng,
		http:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *FieldClient) authorizedPost(path string, body interface{}) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequest(http.MethodPost, c.APIURL+path, bytes.NewBuffer(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Client-ID", c.ID)
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	return c.http.Do(req)
}

// createAsset registers the asset. An asset that already exists is reused.
func (c *FieldClient) createAsset(s *AssetState) error {
	resp, err := c.authorizedPost("/assets", models.Asset{
		ID:     s.AssetID,
		Name:   fmt.Sprintf("Simulated %s asset %s", s.Metric, s.AssetID),
		Metric: s.Metric,
	})
	if err != nil {
		return fmt.Errorf("failed to create asset: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated:
		log.WithFields(log.Fields{"asset_id": s.AssetID, "metric": s.Metric}).Info("Created asset")
		return nil
	case http.StatusConflict:
		log.WithField("asset_id", s.AssetID).Info("Asset already exists")
		return nil
	default:
		return fmt.Errorf("asset creation failed with status: %d", resp.StatusCode)
	}
}

// createSchedule attaches a usage-interval schedule to the asset.
func (c *FieldClient) createSchedule(s *AssetState, baseline time.Time) error {
	resp, err := c.authorizedPost("/schedules", map[string]interface{}{
		"asset_id":                s.AssetID,
		"name":                    fmt.Sprintf("%.0f %s service", s.Interval, s.Metric),
		"usage_interval":          s.Interval,
		"due_soon_threshold_days": 7,
		"baseline_date":           baseline,
		"baseline_reading":        s.Meter,
	})
	if err != nil {
		return fmt.Errorf("failed to create schedule: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("schedule creation failed with status: %d", resp.StatusCode)
	}
	var view models.ScheduleView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if view.ID == "" {
		return fmt.Errorf("invalid schedule ID in response")
	}
	s.ScheduleID = view.ID
	s.LastService = s.Meter
	return nil
}

// Advance accumulates usage for elapsed simulated time and queues a reading.
// When the service interval is used up, a completion is queued as well.
func (c *FieldClient) Advance(s *AssetState, elapsed time.Duration, at time.Time) {
	days := elapsed.Hours() / 24
	// usage varies +/-25% around the mean rate
	used := s.RatePerDay * days * (0.75 + c.rng.Float64()*0.5)
	s.Meter += used

	c.outbox = append(c.outbox, models.Reading{
		AssetID:        s.AssetID,
		Value:          s.Meter,
		ObservedAt:     at,
		IdempotencyKey: uuid.NewString(),
	})

	if s.ScheduleID != "" && s.Interval > 0 && s.Meter-s.LastService >= s.Interval {
		meter := s.Meter
		c.completions = append(c.completions, models.CompletionEvent{
			ScheduleID:     s.ScheduleID,
			IdempotencyKey: uuid.NewString(),
			CompletedAt:    at,
			Reading:        &meter,
		})
		s.LastService = s.Meter
	}
}

// Pending returns the number of queued readings and completions.
func (c *FieldClient) Pending() int {
	return len(c.outbox) + len(c.completions)
}

// batch builds a sync batch from the outbox in shuffled order. Order must not
// matter to the server.
func (c *FieldClient) batch() models.SyncBatch {
	b := models.SyncBatch{
		Readings:    append([]models.Reading(nil), c.outbox...),
		Completions: append([]models.CompletionEvent(nil), c.completions...),
	}
	c.rng.Shuffle(len(b.Readings), func(i, j int) {
		b.Readings[i], b.Readings[j] = b.Readings[j], b.Readings[i]
	})
	return b
}

func (c *FieldClient) send(b models.SyncBatch) (*models.BatchResult, error) {
	resp, err := c.authorizedPost("/sync", b)
	if err != nil {
		return nil, fmt.Errorf("failed to send batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusMultiStatus {
		return nil, fmt.Errorf("sync failed with status: %d", resp.StatusCode)
	}
	var result models.BatchResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &result, nil
}

// Flush sends everything queued. Items the server reports as retryable stay
// queued for the next flush; everything else is dropped. A failed request
// keeps the whole queue.
func (c *FieldClient) Flush() (*models.BatchResult, error) {
	if c.Pending() == 0 {
		return nil, nil
	}
	if c.rng.Float64() < c.OfflineProb {
		log.WithFields(log.Fields{"client_id": c.ID, "pending": c.Pending()}).Info("Offline, keeping batch")
		return nil, nil
	}

	b := c.batch()
	result, err := c.send(b)
	if err != nil {
		return nil, err
	}
	if c.rng.Float64() < c.ResendProb {
		// Resending must only produce duplicates.
		again, err := c.send(b)
		if err != nil {
			log.WithError(err).Warn("Resend failed")
		} else {
			log.WithFields(log.Fields{"client_id": c.ID, "duplicates": again.Duplicates}).Info("Resent batch")
		}
	}

	c.settle(b, result)
	log.WithFields(log.Fields{
		"client_id":  c.ID,
		"accepted":   result.Accepted,
		"duplicates": result.Duplicates,
		"rejected":   result.Rejected,
		"pending":    c.Pending(),
	}).Info("Flushed batch")
	return result, nil
}

// settle keeps only the items of b whose outcome is retryable.
func (c *FieldClient) settle(b models.SyncBatch, result *models.BatchResult) {
	c.outbox = c.outbox[:0]
	c.completions = c.completions[:0]
	for _, item := range result.Items {
		if item.Outcome != models.OutcomeRejected || !item.Retryable {
			continue
		}
		switch item.Kind {
		case models.KindReading:
			if item.Index >= 0 && item.Index < len(b.Readings) {
				c.outbox = append(c.outbox, b.Readings[item.Index])
			}
		case models.KindCompletion:
			if item.Index >= 0 && item.Index < len(b.Completions) {
				c.completions = append(c.completions, b.Completions[item.Index])
			}
		}
	}
}

// newAssets builds the simulated fleet: generators on hours, vehicles on distance.
func newAssets(n int, rng *rand.Rand) []*AssetState {
	assets := make([]*AssetState, 0, n)
	for i := 0; i < n; i++ {
		s := &AssetState{AssetID: fmt.Sprintf("asset-%03d", i+1)}
		if i%2 == 0 {
			s.Metric = models.MetricHours
			s.RatePerDay = 4 + rng.Float64()*12
			s.Interval = 250
			s.Meter = float64(rng.Intn(2000))
		} else {
			s.Metric = models.MetricDistance
			s.RatePerDay = 50 + rng.Float64()*250
			s.Interval = 10000
			s.Meter = float64(rng.Intn(80000))
		}
		assets = append(assets, s)
	}
	return assets
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 1 {
			return n
		}
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			return f
		}
	}
	return fallback
}

func main() {
	fleetSize := getInt("FLEET_SIZE", 10)
	interval := time.Duration(getInt("SIM_TICK_SECONDS", 2)) * time.Second
	// each tick stands for this many simulated hours of usage
	hoursPerTick := getInt("SIM_HOURS_PER_TICK", 6)
	flushEvery := getInt("SIM_FLUSH_EVERY", 4)

	apiURL := os.Getenv("API_BASE_URL")
	if apiURL == "" {
		apiURL = "http://localhost:8080/api"
	}
	clientID := os.Getenv("SIM_CLIENT_ID")
	if clientID == "" {
		clientID = "sim-" + uuid.NewString()[:8]
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	client := NewFieldClient(clientID, apiURL, os.Getenv("SIM_AUTH_TOKEN"), rng)
	client.ResendProb = getFloat("SIM_RESEND_PROB", 0.1)
	client.OfflineProb = getFloat("SIM_OFFLINE_PROB", 0.3)

	log.WithFields(log.Fields{
		"fleet_size": fleetSize,
		"api_url":    apiURL,
		"interval":   interval,
		"client_id":  clientID,
	}).Info("Starting field client simulation")

	// Simulated time starts in the past so a run builds up history quickly.
	simNow := time.Now().UTC().Add(-30 * 24 * time.Hour)
	step := time.Duration(hoursPerTick) * time.Hour

	assets := make([]*AssetState, 0, fleetSize)
	for _, s := range newAssets(fleetSize, rng) {
		if err := client.createAsset(s); err != nil {
			log.WithError(err).Error("Failed to create asset")
			continue
		}
		if err := client.createSchedule(s, simNow); err != nil {
			log.WithError(err).WithField("asset_id", s.AssetID).Warn("Failed to create schedule")
		}
		assets = append(assets, s)
	}

	tick := time.NewTicker(interval)
	defer tick.Stop()
	for n := 1; ; n++ {
		<-tick.C
		simNow = simNow.Add(step)
		if now := time.Now().UTC(); simNow.After(now) {
			simNow = now
		}
		for _, s := range assets {
			client.Advance(s, step, simNow)
		}
		if n%flushEvery == 0 {
			if _, err := client.Flush(); err != nil {
				log.WithError(err).Error("Failed to flush batch")
			}
		}
	}
}
