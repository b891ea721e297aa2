package config

import "time"

type Config struct {
	Server    ServerConfig
	Transport TransportConfig
	Call      CallConfig
	Store     StoreConfig
	Redis     RedisConfig
	Payment   PaymentConfig
}

type ServerConfig struct {
	Address         string
	Auth            AuthConfig
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwtSecret"`
	TokenTTL  time.Duration `mapstructure:"tokenTTL"`
}

type ConnectionLimitConfig struct {
	MaxPerUser int    `mapstructure:"maxPerUser"`
	Mode       string `mapstructure:"mode"` // "reject" or "cycle"
}

type TransportConfig struct {
	ReadTimeout time.Duration `mapstructure:"readTimeout"`
}

type CallConfig struct {
	// OfferTimeout bounds how long a callee may ring before both sides are
	// told the call was not answered.
	OfferTimeout time.Duration `mapstructure:"offerTimeout"`
}

type StoreConfig struct {
	// Backend selects the data-store adapter: "memory" or "redis".
	Backend string `mapstructure:"backend"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type PaymentConfig struct {
	BaseURL   string `mapstructure:"baseUrl"`
	SecretKey string `mapstructure:"secretKey"`
}
