package searchsync

import (
	"strings"
	"time"
)

// Queue backend names.
const (
	QueueTypeSimple = "Simple"
	QueueTypeRedis  = "Redis"
)

// RedisQueueConfig holds connection settings for the Redis queue backend.
type RedisQueueConfig struct {
	// Host is the Redis server host.
	Host string `json:"queue_host"`
	// Port is the Redis server port.
	Port int `json:"queue_port"`
	// DB is the database index to select.
	DB int `json:"queue_db"`
	// Password used to authenticate, when required.
	Password string `json:"queue_password,omitempty"`
}

// QueueOptions configures the work queue shared by controller and workers.
type QueueOptions struct {
	// Type selects the queue backend. Unknown values fall back to Simple.
	Type string `json:"queue_type"`
	// Server enables the queue server role in this process: loading the queue
	// and running cycles. Forced on for the Simple backend, whose queue cannot
	// outlive the process.
	Server bool `json:"queue_server"`
	// Worker enables the queue worker role in this process. When off (Redis
	// backend only), cycles wait for workers in other processes to drain the
	// shared queue.
	Worker bool `json:"queue_worker"`
	// Name is the queue name used for remote backend keys.
	Name string `json:"queue_name"`
	// ChunkSize is how many UIDs a worker asks for at once. Bounds per-worker
	// memory and the blast radius of a worker crash.
	ChunkSize int `json:"queue_worker_chunk_size"`
	// BatchSize is how many UIDs one cycle of reporting covers.
	BatchSize int `json:"queue_worker_batch_size"`
	// GetSize caps how many UIDs one cycle may load.
	GetSize int `json:"queue_worker_get_size"`

	Redis RedisQueueConfig `json:"redis,omitempty"`
}

// Options is the indexer configuration. JSON keys mirror the deployment
// setting names.
type Options struct {
	// Enabled turns the indexer on.
	Enabled bool `json:"indexer"`
	// Processes is the worker pool size. Defaults to one.
	Processes int `json:"indexer.processes"`
	// ShortUUIDs, when positive, caps a cycle to its first n UIDs. Debug aid.
	ShortUUIDs int `json:"indexer_short_uuids"`
	// InitialLogPath, when set and the file does not exist yet, receives one
	// JSON line per processed UID after the cycle.
	InitialLogPath string `json:"indexer_initial_log_path,omitempty"`
	// StageForFollowup lists downstream indexer names that receive the
	// cycle's UID set under their own state keys.
	StageForFollowup []string `json:"stage_for_followup,omitempty"`
	// MaxClauses overrides the boolean-clause ceiling when the search
	// backend is configured away from its default.
	MaxClauses int `json:"max_clauses"`
	// SearchMax overrides the invalidation query result cap.
	SearchMax int `json:"search_max"`
	// RunTimeout is the wall-clock limit for one cycle's run loop.
	RunTimeout time.Duration `json:"run_timeout,omitempty"`
	// BindTimeout bounds the worker-side wait for a lagging replica to reach
	// the cycle xmin. Exceeding it aborts the cycle.
	BindTimeout time.Duration `json:"bind_timeout,omitempty"`

	Queue QueueOptions `json:"queue"`

	// EmbedBaseURL is the base URL of the embed endpoint host.
	EmbedBaseURL string `json:"embed_base_url"`
}

// DefaultOptions returns Options with production defaults applied. Both queue
// roles default on; deployments splitting controller and workers across
// processes turn one off explicitly.
func DefaultOptions() Options {
	o := Options{}
	o.Queue.Server = true
	o.Queue.Worker = true
	o.ApplyDefaults()
	return o
}

// ApplyDefaults fills zero-valued fields with their defaults.
func (o *Options) ApplyDefaults() {
	if o.Processes <= 0 {
		o.Processes = 1
	}
	if o.MaxClauses <= 0 {
		o.MaxClauses = MaxClauses
	}
	if o.SearchMax <= 0 {
		o.SearchMax = SearchMax
	}
	if o.RunTimeout <= 0 {
		o.RunTimeout = time.Hour
	}
	if o.BindTimeout <= 0 {
		o.BindTimeout = time.Minute
	}
	if o.Queue.Name == "" {
		o.Queue.Name = "indxQ"
	}
	if o.Queue.Type == "" {
		o.Queue.Type = QueueTypeSimple
	}
	if o.Queue.Type == QueueTypeSimple {
		// The in-process queue lives and dies with this process, which must
		// therefore play both roles.
		o.Queue.Server = true
		o.Queue.Worker = true
	}
	if o.Queue.ChunkSize <= 0 {
		o.Queue.ChunkSize = 1024
	}
	if o.Queue.BatchSize <= 0 {
		o.Queue.BatchSize = 5000
	}
	if o.Queue.GetSize <= 0 {
		o.Queue.GetSize = 2_000_000
	}
	if o.Queue.Redis.Host == "" {
		o.Queue.Redis.Host = "localhost"
	}
	if o.Queue.Redis.Port <= 0 {
		o.Queue.Redis.Port = 6379
	}
	if o.Queue.Redis.DB == 0 {
		o.Queue.Redis.DB = 2
	}
}

// ParseFollowups splits the comma-separated stage_for_followup setting.
func ParseFollowups(s string) []string {
	var names []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			names = append(names, part)
		}
	}
	return names
}
