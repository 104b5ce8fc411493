// Package config holds the JSON configurations of the coordinator.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dataflow/coord/cloud/cluster"
	"github.com/dataflow/coord/scheduler/server"
)

// How often the memory cluster lists its slots when not configured.
const DefaultFetchInterval = time.Second

// Number of slot update batches buffered between the cluster and the coordinator.
const DefaultClusterChanSize = 100

// JSONConfigs config structure holding original json configs
type JSONConfigs struct {
	Cluster   ClusterJSONConfig   `json:"Cluster"`
	Scheduler SchedulerJSONConfig `json:"SchedulerConfig"`
}

func (s JSONConfigs) String() string {
	return fmt.Sprintf("\n%s\n%s", s.Cluster, s.Scheduler)
}

type ClusterJSONConfig struct {
	Type           string `json:"Type"`           // cluster type: memory
	Workers        int    `json:"Workers"`        // default to 3
	SlotsPerWorker int    `json:"SlotsPerWorker"` // default to 1
	FetchInterval  string `json:"FetchInterval"`  // default to 1s
	ChanSize       int    `json:"ChanSize"`       // default to 100
}

func (c ClusterJSONConfig) String() string {
	return fmt.Sprintf("ClusterJSONConfig: Type: %s, Workers: %d, SlotsPerWorker: %d, FetchInterval: %s, ChanSize: %d",
		c.Type, c.Workers, c.SlotsPerWorker, c.FetchInterval, c.ChanSize)
}

type SchedulerJSONConfig struct {
	Type               string `json:"Type"`               // scheduler type: default
	SlotRequestTimeout string `json:"SlotRequestTimeout"` // default to 5m
	Hostname           string `json:"Hostname"`           // default to the os hostname
}

func (sc SchedulerJSONConfig) String() string {
	return fmt.Sprintf("SchedulerJSONConfig: Type: %s, SlotRequestTimeout: %s, Hostname: %s",
		sc.Type, sc.SlotRequestTimeout, sc.Hostname)
}

func GetConfigText(configSelector string) ([]byte, error) {
	configText, ok := SchedulerConfigs[configSelector]
	if !ok {
		keys := make([]string, 0, len(SchedulerConfigs))
		for k := range SchedulerConfigs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("invalid configuration %s, supported values are %v", configSelector, keys)
	}

	return []byte(configText), nil
}

// GetSchedulerConfigs resolves configName as a built-in config name, a path to a
// JSON file or inline JSON. Sections whose Type is unset take the default values.
func GetSchedulerConfigs(configName string) (*JSONConfigs, error) {
	configText, err := GetConfigText(configName)
	if err != nil {
		switch {
		case strings.HasPrefix(strings.TrimSpace(configName), "{"):
			configText = []byte(configName)
		default:
			var readErr error
			if configText, readErr = os.ReadFile(configName); readErr != nil {
				return nil, err
			}
		}
	}
	return ParseConfig(configText)
}

// ParseConfig parses configText, filling unset sections from the default config.
func ParseConfig(configText []byte) (*JSONConfigs, error) {
	// get the default values, these will override any of the config
	// sections whose Type is ""
	defaultConfigText, _ := GetConfigText("default")
	defaultConfig := &JSONConfigs{}
	err := json.Unmarshal(defaultConfigText, &defaultConfig)
	if err != nil {
		return nil, fmt.Errorf("couldn't parse the default config: %v", err)
	}

	schedServerConfig := &JSONConfigs{}
	err = json.Unmarshal(configText, &schedServerConfig)
	if err != nil {
		return nil, fmt.Errorf("couldn't parse top-level config: %v", err)
	}

	// use the default values for any sections whose type was not set in the command line config
	if schedServerConfig.Cluster.Type == "" {
		log.Infof("using default Cluster config")
		schedServerConfig.Cluster = defaultConfig.Cluster
	}
	if schedServerConfig.Scheduler.Type == "" {
		log.Infof("using default Scheduler config")
		schedServerConfig.Scheduler = defaultConfig.Scheduler
	}

	return schedServerConfig, nil
}

func (jc *SchedulerJSONConfig) CreateSchedulerConfig() (*server.SchedulerConfiguration, error) {
	var err error
	serverConfig := &server.SchedulerConfiguration{}
	if jc.SlotRequestTimeout != "" {
		serverConfig.DefaultSlotRequestTimeout, err = time.ParseDuration(jc.SlotRequestTimeout)
		if err != nil {
			return nil, err
		}
		if serverConfig.DefaultSlotRequestTimeout <= 0 {
			return nil, fmt.Errorf("SlotRequestTimeout must be positive, got %s", jc.SlotRequestTimeout)
		}
	}

	serverConfig.Hostname = jc.Hostname
	if serverConfig.Hostname == "" {
		if host, err := os.Hostname(); err == nil {
			serverConfig.Hostname = host
		}
	}
	return serverConfig, nil
}

// Create starts a cluster whose workers are listed by the returned fetcher, which
// callers may update to simulate workers joining or leaving.
func (c *ClusterJSONConfig) Create() (chan []cluster.SlotUpdate, func(), *cluster.StaticFetcher, error) {
	if c.Type != "memory" {
		return nil, nil, nil, fmt.Errorf("unsupported cluster type %q", c.Type)
	}
	interval := DefaultFetchInterval
	if c.FetchInterval != "" {
		var err error
		if interval, err = time.ParseDuration(c.FetchInterval); err != nil {
			return nil, nil, nil, err
		}
	}
	chanSize := c.ChanSize
	if chanSize <= 0 {
		chanSize = DefaultClusterChanSize
	}
	fetcher := cluster.NewStaticFetcher(cluster.NewSlots(c.Workers, c.SlotsPerWorker)...)
	updatesCh, stop := cluster.NewCluster(fetcher, interval, chanSize)
	return updatesCh, stop, fetcher, nil
}
