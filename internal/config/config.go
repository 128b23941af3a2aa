package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"befunny.io/auth/internal/auth"
)

// Keys shared by the viper instance, flags and the environment (AUTH_ prefix).
const (
	HTTPAddrKey      = "http_addr"
	GRPCAddrKey      = "grpc_addr"
	PostgresDSNKey   = "postgres_dsn"
	RedisAddrKey     = "redis_addr"
	RedisPasswordKey = "redis_password"
	RedisDBKey       = "redis_db"
	JWTSecretKey     = "jwt_secret"
	JWTAlgorithmKey  = "jwt_algorithm"
	JWTIssuerKey     = "jwt_issuer"
	AccessTTLKey     = "access_ttl"
	RefreshTTLKey    = "refresh_ttl"
	HashCostKey      = "hash_cost"
	DefaultRoleKey   = "default_role"
	ProductionKey    = "production"
	RateBurstKey     = "rate_burst"
	RatePerSecondKey = "rate_per_second"
	TrustedProxyKey  = "trusted_proxies"
	LogLevelKey      = "log_level"
	LogFormatKey     = "log_format"
	AdminLoginKey    = "admin_login"
	AdminPasswordKey = "admin_password"
)

// Config is the resolved process configuration.
type Config struct {
	HTTPAddr string
	GRPCAddr string

	PostgresDSN   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	JWTSecret    string
	JWTAlgorithm string
	JWTIssuer    string
	AccessTTL    time.Duration
	RefreshTTL   time.Duration
	HashCost     int
	DefaultRole  string

	Production    bool
	RateBurst     int
	RatePerSecond float64
	// TrustedProxies lists the CIDRs or addresses whose X-Forwarded-For is
	// believed. Empty means the TCP peer is always the client.
	TrustedProxies []string

	LogLevel  string
	LogFormat string

	AdminLogin    string
	AdminPassword string
}

// New returns a viper instance with defaults and AUTH_ environment binding.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault(HTTPAddrKey, ":8080")
	v.SetDefault(GRPCAddrKey, ":9090")
	v.SetDefault(RedisDBKey, 0)
	v.SetDefault(JWTAlgorithmKey, auth.DefaultAlgorithm)
	v.SetDefault(JWTIssuerKey, auth.DefaultIssuer)
	v.SetDefault(AccessTTLKey, auth.DefaultAccessTTL)
	v.SetDefault(RefreshTTLKey, auth.DefaultRefreshTTL)
	v.SetDefault(HashCostKey, auth.DefaultHashCost)
	v.SetDefault(DefaultRoleKey, "user")
	v.SetDefault(ProductionKey, false)
	v.SetDefault(RateBurstKey, 10)
	v.SetDefault(RatePerSecondKey, 5.0)
	v.SetDefault(LogLevelKey, "info")
	v.SetDefault(LogFormatKey, "json")

	v.SetEnvPrefix("AUTH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only sees keys viper already knows about
	for _, key := range []string{PostgresDSNKey, RedisAddrKey, RedisPasswordKey, JWTSecretKey, AdminLoginKey, AdminPasswordKey, TrustedProxyKey} {
		_ = v.BindEnv(key)
	}
	return v
}

// Load reads the optional YAML file and resolves Config from v.
func Load(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config %s: %w", file, err)
			}
		}
	}
	cfg := Config{
		HTTPAddr:       v.GetString(HTTPAddrKey),
		GRPCAddr:       v.GetString(GRPCAddrKey),
		PostgresDSN:    v.GetString(PostgresDSNKey),
		RedisAddr:      v.GetString(RedisAddrKey),
		RedisPassword:  v.GetString(RedisPasswordKey),
		RedisDB:        v.GetInt(RedisDBKey),
		JWTSecret:      v.GetString(JWTSecretKey),
		JWTAlgorithm:   strings.ToUpper(strings.TrimSpace(v.GetString(JWTAlgorithmKey))),
		JWTIssuer:      v.GetString(JWTIssuerKey),
		AccessTTL:      v.GetDuration(AccessTTLKey),
		RefreshTTL:     v.GetDuration(RefreshTTLKey),
		HashCost:       v.GetInt(HashCostKey),
		DefaultRole:    strings.TrimSpace(v.GetString(DefaultRoleKey)),
		Production:     v.GetBool(ProductionKey),
		RateBurst:      v.GetInt(RateBurstKey),
		RatePerSecond:  v.GetFloat64(RatePerSecondKey),
		TrustedProxies: splitList(v.GetStringSlice(TrustedProxyKey)),
		LogLevel:       v.GetString(LogLevelKey),
		LogFormat:      v.GetString(LogFormatKey),
		AdminLogin:     v.GetString(AdminLoginKey),
		AdminPassword:  v.GetString(AdminPasswordKey),
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot start with.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.JWTSecret) == "" {
		errs = append(errs, errors.New("jwt_secret is required"))
	}
	switch c.JWTAlgorithm {
	case "HS256", "HS384", "HS512":
	default:
		errs = append(errs, fmt.Errorf("unsupported jwt_algorithm %q", c.JWTAlgorithm))
	}
	if c.AccessTTL <= 0 {
		errs = append(errs, errors.New("access_ttl must be positive"))
	}
	if c.RefreshTTL <= c.AccessTTL {
		errs = append(errs, errors.New("refresh_ttl must exceed access_ttl"))
	}
	if c.HashCost < bcrypt.MinCost || c.HashCost > bcrypt.MaxCost {
		errs = append(errs, fmt.Errorf("hash_cost must be within [%d, %d]", bcrypt.MinCost, bcrypt.MaxCost))
	}
	if c.RateBurst <= 0 || c.RatePerSecond <= 0 {
		errs = append(errs, errors.New("rate limits must be positive"))
	}
	if _, err := c.TrustedProxyPrefixes(); err != nil {
		errs = append(errs, err)
	}
	if c.Production && c.PostgresDSN == "" {
		errs = append(errs, errors.New("postgres_dsn is required in production"))
	}
	return errors.Join(errs...)
}

// TrustedProxyPrefixes parses TrustedProxies. A bare address is a single-host
// prefix.
func (c Config) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, raw := range c.TrustedProxies {
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("trusted_proxies: %w", err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("trusted_proxies: %w", err)
		}
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// splitList accepts both YAML lists and comma separated environment values.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
