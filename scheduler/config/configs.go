package config

// SchedulerConfigs the map of available configurations
var SchedulerConfigs = map[string]string{
	"default":      defaultConfig,
	"local.memory": localMemory,
}

// defaultConfig the configuration values that are used for unset parts of a specific configuration
const defaultConfig = `{
  "Cluster": {
    "Type": "memory",
    "Workers": 3,
    "SlotsPerWorker": 1,
    "FetchInterval": "1s",
    "ChanSize": 100
  },
  "SchedulerConfig": {
    "Type": "default",
    "SlotRequestTimeout": "5m"
  }
}`

// localMemory config for local.memory - !!! make sure this constant is added to SchedulerConfigs map above !!!
const localMemory = `{
  "Cluster": {
    "Type": "memory",
    "Workers": 10,
    "SlotsPerWorker": 2,
    "FetchInterval": "100ms",
    "ChanSize": 100
  },
  "SchedulerConfig": {
    "Type": "default",
    "SlotRequestTimeout": "30s",
    "Hostname": "localhost"
  }
}`
