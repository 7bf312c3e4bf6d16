// Separate package is workaround to import cycles.
package device_config

import (
	"io/ioutil"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/hashicorp/hcl"
	"github.com/joho/godotenv"
	"github.com/juju/errors"
	"github.com/temoto/hubdevice/helpers"
)

const (
	EnvConnectionString = "DEVICE_CONNECTION_STRING"
	EnvCaFile           = "IOTHUB_ROOT_CA_CERT"

	DefaultPort           = 8883
	DefaultKeepalive      = 60 * time.Second
	DefaultNetworkTimeout = 30 * time.Second
)

// Qos is fixed, messages are published and subscribed at least once.
const Qos byte = 1

type ResultCodePolicy string

const (
	// Non-zero CONNACK result code returns session to disconnected.
	ResultCodeStrict ResultCodePolicy = "strict"
	// Advance to connected regardless of result code.
	ResultCodeAdvance ResultCodePolicy = "advance"
)

const (
	TransportPaho   = "paho"
	TransportGomqtt = "gomqtt"
)

type Config struct { //nolint:maligned
	ConnectionString  string `hcl:"connection_string" env:"DEVICE_CONNECTION_STRING"` // secret
	CaFile            string `hcl:"ca_file" env:"IOTHUB_ROOT_CA_CERT"`
	Port              int    `hcl:"port" env:"IOTHUB_PORT"`
	KeepaliveSec      int    `hcl:"keepalive_sec"`
	NetworkTimeoutSec int    `hcl:"network_timeout_sec"`
	TokenTTLSec       int    `hcl:"token_ttl_sec" env:"IOTHUB_TOKEN_TTL_SEC"`
	TokenSkewSec      int    `hcl:"token_skew_sec" env:"IOTHUB_TOKEN_SKEW_SEC"`
	TlsVersion        string `hcl:"tls_version"`
	ResultCodePolicy  string `hcl:"result_code_policy" env:"IOTHUB_RESULT_CODE_POLICY"`
	Transport         string `hcl:"transport" env:"IOTHUB_TRANSPORT"`
	LogDebug          bool   `hcl:"log_debug" env:"IOTHUB_LOG_DEBUG"`
	TransportLogDebug bool   `hcl:"transport_log_debug"`
	MetricsListen     string `hcl:"metrics_listen" env:"IOTHUB_METRICS_LISTEN"`
	HelloPayload      string `hcl:"hello_payload"`
}

func (c *Config) Keepalive() time.Duration {
	return helpers.IntSecondDefault(c.KeepaliveSec, DefaultKeepalive)
}
func (c *Config) NetworkTimeout() time.Duration {
	return helpers.IntSecondDefault(c.NetworkTimeoutSec, DefaultNetworkTimeout)
}
func (c *Config) TokenTTL() time.Duration  { return time.Duration(c.TokenTTLSec) * time.Second }
func (c *Config) TokenSkew() time.Duration { return time.Duration(c.TokenSkewSec) * time.Second }

func (c *Config) EffectivePort() int {
	if c.Port == 0 {
		return DefaultPort
	}
	return c.Port
}

func (c *Config) Policy() ResultCodePolicy {
	if c.ResultCodePolicy == "" {
		return ResultCodeStrict
	}
	return ResultCodePolicy(strings.ToLower(c.ResultCodePolicy))
}

func (c *Config) TransportName() string {
	if c.Transport == "" {
		return TransportPaho
	}
	return strings.ToLower(c.Transport)
}

// Validate reports all problems at once.
func (c *Config) Validate() error {
	errs := make([]error, 0, 4)
	if c.ConnectionString == "" {
		errs = append(errs, errors.NotValidf("connection_string empty (env %s)", EnvConnectionString))
	}
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, errors.NotValidf("port=%d", c.Port))
	}
	if c.TokenTTLSec < 0 || c.TokenSkewSec < 0 {
		errs = append(errs, errors.NotValidf("token_ttl_sec=%d token_skew_sec=%d", c.TokenTTLSec, c.TokenSkewSec))
	}
	switch p := c.Policy(); p {
	case ResultCodeStrict, ResultCodeAdvance:
	default:
		errs = append(errs, errors.NotValidf("result_code_policy=%s", p))
	}
	switch tn := c.TransportName(); tn {
	case TransportPaho, TransportGomqtt:
	default:
		errs = append(errs, errors.NotValidf("transport=%s", tn))
	}
	switch c.TlsVersion {
	case "", "1.2", "1.3":
	default:
		errs = append(errs, errors.NotValidf("tls_version=%s", c.TlsVersion))
	}
	return helpers.FoldErrors(errs)
}

// Parse reads HCL config text.
func Parse(b []byte) (*Config, error) {
	c := &Config{}
	if err := hcl.Unmarshal(b, c); err != nil {
		return nil, errors.Annotate(err, "config unmarshal")
	}
	return c, nil
}

func ReadFile(path string) (*Config, error) {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "config path=%s", path)
	}
	c, err := Parse(b)
	return c, errors.Annotatef(err, "config path=%s", path)
}

// ApplyEnv overrides fields with environment variables which are set.
func (c *Config) ApplyEnv() error {
	return errors.Annotate(env.Parse(c), "config env")
}

// Load reads optional HCL file, optional dotenv file then applies environment.
// Empty path skips corresponding source.
func Load(path, envFile string) (*Config, error) {
	c := &Config{}
	if path != "" {
		var err error
		if c, err = ReadFile(path); err != nil {
			return nil, err
		}
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(errors.Cause(err)) {
			return nil, errors.Annotatef(err, "env file=%s", envFile)
		}
	}
	if err := c.ApplyEnv(); err != nil {
		return nil, err
	}
	return c, nil
}
