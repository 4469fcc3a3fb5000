package radar

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// BasicConfig describes the radar front end. Only FPS is required and
// validated here; the tracker's frame period comes from
// TrackingConfig.TimePerFrame. The rest is carried for sinks and
// diagnostics.
type BasicConfig struct {
	NumRx          int     `json:"numRx"`
	NumTx          int     `json:"numTx"`
	StartFrequency float64 `json:"Start_frequency"`
	Idle           float64 `json:"idle"`
	ADCStartTime   float64 `json:"adcStartTime"`
	RampEndTime    float64 `json:"rampEndTime"`
	FreqSlopeConst float64 `json:"freqSlopeConst"`
	ADCSampleRate  float64 `json:"adcSampleRate"`
	ADCSamples     int     `json:"adcSamples"`
	NumChirps      int     `json:"numChirps"`
	FPS            float64 `json:"fps"`
}

// DetectionConfig carries the detector knobs. The detector itself is an
// external collaborator; the section is validated and passed through.
type DetectionConfig struct {
	RangeWinType      int     `json:"RangeWinType"`
	DopplerWinType    int     `json:"DopplerWinType"`
	AoaEstimationType int     `json:"AoaEstimationType"`
	DopplerCfarMethod int     `json:"DopplerCfarMethod"`
	DopplerPfa        float64 `json:"DopplerPfa"`
	DopplerWinGuard   int     `json:"DopplerWinGuardLen"`
	DopplerWinTrain   int     `json:"DopplerWinTrainLen"`
	RangeCfarMethod   int     `json:"RangeCfarMethod"`
	RangePfa          float64 `json:"RangePfa"`
	RangeWinGuard     int     `json:"RangeWinGuardLen"`
	RangeWinTrain     int     `json:"RangeWinTrainLen"`
}

// ClusteringConfig parameterizes the DBSCAN engine.
type ClusteringConfig struct {
	Eps                float64 `json:"eps"`
	Weight             float64 `json:"weight"`
	MinPointsInCluster int     `json:"minPointsInCluster"`
	MaxClusters        int     `json:"maxClusters"`
	MaxPoints          int     `json:"maxPoints"`
}

// TrackingConfig parameterizes the cluster tracker.
type TrackingConfig struct {
	AssociationThreshold     float64 `json:"trackerAssociationThreshold"`
	MeasurementNoiseVariance float64 `json:"measurementNoiseVariance"`
	TimePerFrame             float64 `json:"timePerFrame"`
	IIRForgetFactor          float64 `json:"iirForgetFactor"`
	ActiveThreshold          int     `json:"trackerActiveThreshold"`
	ForgetThreshold          int     `json:"trackerForgetThreshold"`
	// AssociationPolicy selects "greedy" (default) or "hungarian". Both
	// apply the same gating predicate.
	AssociationPolicy string `json:"associationPolicy,omitempty"`
}

// Config aggregates the four radar sections plus the capture replay knobs.
type Config struct {
	Basic      BasicConfig      `json:"RadarBasicConfig"`
	Detection  DetectionConfig  `json:"RadarDetectionConfig"`
	Clustering ClusteringConfig `json:"RadarClusteringConfig"`
	Tracking   TrackingConfig   `json:"RadarTrackingConfig"`

	CSVFilePath  string `json:"CSVFilePath,omitempty"`
	CSVRepeatNum int    `json:"csvRepeatNum,omitempty"`
}

// requiredKeys names the keys each section must provide; missing ones are
// reported by section and key so a bad deployment config is diagnosable
// without reading source.
var requiredKeys = map[string][]string{
	"RadarBasicConfig":      {"fps"},
	"RadarClusteringConfig": {"eps", "weight", "minPointsInCluster", "maxClusters", "maxPoints"},
	"RadarTrackingConfig": {
		"trackerAssociationThreshold", "measurementNoiseVariance", "timePerFrame",
		"iirForgetFactor", "trackerActiveThreshold", "trackerForgetThreshold",
	},
}

const maxConfigFileSize = 1 << 20

// LoadConfig reads and validates a radar runtime configuration document.
// Fields are IEEE-754 doubles in the file and narrowed by the receivers.
func LoadConfig(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("radar config must have .json extension, got %q", ext)
	}
	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("stat radar config: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("radar config too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("read radar config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig validates and decodes a radar configuration document.
func ParseConfig(data []byte) (*Config, error) {
	// First pass keeps raw sections so missing required keys can be named.
	var sections map[string]json.RawMessage
	if err := json.Unmarshal(data, &sections); err != nil {
		return nil, fmt.Errorf("radar config is not a JSON object: %w", err)
	}
	for section, keys := range requiredKeys {
		raw, ok := sections[section]
		if !ok {
			return nil, fmt.Errorf("radar config missing section %q", section)
		}
		var present map[string]json.RawMessage
		if err := json.Unmarshal(raw, &present); err != nil {
			return nil, fmt.Errorf("radar config section %q is not an object: %w", section, err)
		}
		for _, key := range keys {
			if _, ok := present[key]; !ok {
				return nil, fmt.Errorf("radar config missing required key %s.%s", section, key)
			}
		}
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode radar config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks parameter ranges.
func (c *Config) Validate() error {
	if c.Basic.FPS <= 0 {
		return fmt.Errorf("RadarBasicConfig.fps must be positive, got %v", c.Basic.FPS)
	}
	cl := c.Clustering
	if cl.Eps <= 0 {
		return fmt.Errorf("RadarClusteringConfig.eps must be positive, got %v", cl.Eps)
	}
	if cl.MinPointsInCluster < 1 {
		return fmt.Errorf("RadarClusteringConfig.minPointsInCluster must be >= 1, got %d", cl.MinPointsInCluster)
	}
	if cl.MaxClusters < 1 || cl.MaxPoints < 1 {
		return fmt.Errorf("RadarClusteringConfig maxClusters/maxPoints must be >= 1, got %d/%d", cl.MaxClusters, cl.MaxPoints)
	}
	tr := c.Tracking
	if tr.TimePerFrame <= 0 {
		return fmt.Errorf("RadarTrackingConfig.timePerFrame must be positive, got %v", tr.TimePerFrame)
	}
	if tr.IIRForgetFactor < 0 || tr.IIRForgetFactor > 1 {
		return fmt.Errorf("RadarTrackingConfig.iirForgetFactor must be in [0,1], got %v", tr.IIRForgetFactor)
	}
	if tr.ActiveThreshold < 0 || tr.ForgetThreshold < 0 {
		return fmt.Errorf("RadarTrackingConfig thresholds must be non-negative, got %d/%d", tr.ActiveThreshold, tr.ForgetThreshold)
	}
	switch tr.AssociationPolicy {
	case "", "greedy", "hungarian":
	default:
		return fmt.Errorf("RadarTrackingConfig.associationPolicy must be greedy or hungarian, got %q", tr.AssociationPolicy)
	}
	return nil
}
