package config

// this holds the resolved configuration values from CLI
//
//nolint:lll // readablity
var (
	DB                    string  // connection string for the database
	NatsURL               string  // URL of the NATS server holding the result log
	WaitForServices       string  // duration to wait for other services to be ready
	LogLevel              string  // sets the log level (zap log level values)
	SQLLogLevel           string  // sets the log level for sql subsystem
	LogFormat             string  // text vs json
	EnableTelemetry       bool    // enable telemetry
	TelemetryEndpoint     string  // endpoint for telemetry
	ProfilingPort         int     // port for profiling
	ServerAddr            string  // listen addr for the HTTP server
	S3Endpoint            string  // custom endpoint for S3 compatible stores (empty: AWS default)
	S3Region              string  // region for the object store
	S3Bucket              string  // bucket holding telemetry exports
	S3Prefix              string  // key prefix to poll
	S3AccessKey           string  // static access key (empty: default credential chain)
	S3SecretKey           string  // static secret key
	PollInterval          string  // interval between object store polls
	BufferCapacity        int     // capacity of the sample buffer
	BatchSize             int     // max samples drained per aggregation batch
	FlushInterval         string  // interval between aggregation batches
	AggregateWorkers      int     // number of aggregation workers
	ReadBlockTimeout      string  // bounded wait of a result log read
	ReadMaxCount          int     // max records per result log read
	BackoffDelay          string  // delay after consecutive read errors
	BackpressureThreshold int64   // outbound byte limit per live subscriber
	TrackLengthM          float64 // fallback track length for the synthetic sector split
	SectorTableFile       string  // path to a per-track sector table file (json)
	MigrationSourceURL    string  // location of migration files (empty: embedded)
)
