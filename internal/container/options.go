// Package container wires the abuse service together with samber/do.
package container

// Backend names accepted by Options.Backend.
const (
	BackendMemory       = "memory"
	BackendRedis        = "redis"
	BackendRedisCluster = "redis-cluster"
	BackendPostgres     = "postgres"
	BackendMySQL        = "mysql"
	BackendSQLite       = "sqlite"
	BackendTablesDB     = "tablesdb"
)

// Options are read from flags and SERVICE_* environment variables by humacli.
type Options struct {
	Port      int    `default:"8888"           help:"Port to listen on"                                                        short:"p"`
	LogFormat string `default:"console"        help:"Log format: console or json"`
	Backend   string `default:"memory"         help:"Counter backend: memory, redis, redis-cluster, postgres, mysql, sqlite, tablesdb" short:"b"`
	RedisAddr string `default:"localhost:6379" help:"Redis server address, also used for audit events"                         short:"r"`

	RedisClusterAddrs string `help:"Comma-separated Redis Cluster node addresses"`
	RedisPoolSize     int    `default:"0" help:"Dedicated Redis connections per store, 0 shares the client pool"`

	PostgresURL    string `default:"postgres://localhost:5432/abuse" help:"PostgreSQL connection URL"`
	PostgresSchema string `default:"public"                          help:"PostgreSQL schema holding the counter table"`
	MySQLDSN       string `default:"root@tcp(localhost:3306)/abuse"  help:"MySQL DSN, the database name selects the schema"`
	SQLitePath     string `default:"abuse.db"                        help:"SQLite file for the sqlite backend"`

	TablesEndpoint string `help:"TablesDB API endpoint"`
	TablesProject  string `help:"TablesDB project id"`
	TablesAPIKey   string `help:"TablesDB API key"`
	TablesDatabase string `default:"abuse" help:"TablesDB database id"`

	CleanupPasses int `default:"0" help:"Maximum delete passes per cleanup, 0 is unbounded"`

	OffenderWindowSeconds int `default:"3600" help:"Window in which the consumer counts limit-exceeded events per client"`

	PolicyWindowSeconds int `default:"60"  help:"Window of the default HTTP rate limit policy in seconds"`
	PolicyGlobal        int `default:"600" help:"Requests per window for every client, 0 disables"`
	PolicyRead          int `default:"300" help:"Read requests per window, 0 disables"`
	PolicyWrite         int `default:"120" help:"Write requests per window, 0 disables"`
	PolicyAdmin         int `default:"10"  help:"Admin requests per window, 0 disables"`

	RecaptchaSecret string `help:"reCAPTCHA secret key"`
	HcaptchaSecret  string `help:"hCaptcha secret key"`
	TurnstileSecret string `help:"Turnstile secret key"`
}
