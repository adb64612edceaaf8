package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// OracleStrategy delegates the choice to an external arbitration service.
// One attempt per call, bounded by timeout; any failure is a no-selection.
type OracleStrategy struct {
	httpClient *resty.Client
	url        string
	logger     *zap.Logger
}

type oracleResponse struct {
	DriverID         string `json:"driver_id"`
	SelectedDriverID string `json:"selected_driver_id"`
	Reason           string `json:"reason"`
}

func NewOracleStrategy(url, apiKey string, timeout time.Duration, logger *zap.Logger) *OracleStrategy {
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if apiKey != "" {
		client.SetAuthToken(apiKey)
	}
	return &OracleStrategy{httpClient: client, url: url, logger: logger}
}

func (o *OracleStrategy) Name() string { return MethodOracle }

func (o *OracleStrategy) Select(ctx context.Context, sc *SelectionContext) (*Selection, error) {
	if len(sc.Candidates) == 0 {
		return nil, noSelection("no candidates")
	}

	resp, err := o.httpClient.R().
		SetContext(ctx).
		SetBody(sc).
		Post(o.url)
	if err != nil {
		o.logger.Warn("Arbitration oracle call failed",
			zap.String("task_id", sc.TaskID),
			zap.Error(err),
		)
		return nil, noSelection("oracle call failed: %v", err)
	}
	if !resp.IsSuccess() {
		o.logger.Warn("Arbitration oracle returned error status",
			zap.String("task_id", sc.TaskID),
			zap.Int("status_code", resp.StatusCode()),
		)
		return nil, noSelection("oracle returned status %d", resp.StatusCode())
	}

	var out oracleResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, noSelection("unparseable oracle response: %v", err)
	}
	driverID := strings.TrimSpace(out.DriverID)
	if driverID == "" {
		driverID = strings.TrimSpace(out.SelectedDriverID)
	}
	if driverID == "" {
		return nil, noSelection("oracle returned no driver")
	}
	c, ok := sc.Candidate(driverID)
	if !ok {
		o.logger.Warn("Arbitration oracle selected a driver outside the candidate set",
			zap.String("task_id", sc.TaskID),
			zap.String("driver_id", driverID),
			zap.Int("candidate_count", len(sc.Candidates)),
		)
		return nil, noSelection("oracle selected unknown driver %s", driverID)
	}

	sel := &Selection{
		DriverID: c.DriverID,
		Method:   MethodOracle,
		Reason:   out.Reason,
	}
	workload := c.ActiveTasks
	sel.Workload = &workload
	if c.HasLocation() {
		dist := Haversine(*c.Latitude, *c.Longitude, sc.Bin.Latitude, sc.Bin.Longitude)
		sel.DistanceKm = &dist
	}
	return sel, nil
}

// NewStrategy builds the configured selection policy
func NewStrategy(name, oracleURL, oracleAPIKey string, timeout time.Duration, weightKm float64, logger *zap.Logger) (Strategy, error) {
	switch name {
	case MethodOracle:
		return NewOracleStrategy(oracleURL, oracleAPIKey, timeout, logger), nil
	case MethodHeuristic:
		return NewHeuristicStrategy(weightKm), nil
	case MethodOracle + "_then_" + MethodHeuristic:
		return NewChainStrategy(
			NewOracleStrategy(oracleURL, oracleAPIKey, timeout, logger),
			NewHeuristicStrategy(weightKm),
		), nil
	}
	return nil, fmt.Errorf("unknown selection strategy %q", name)
}
