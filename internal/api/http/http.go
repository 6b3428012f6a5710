package http

type Config struct {
	Port      uint   `mapstructure:"port"`
	APIKey    string `mapstructure:"api_key"`
	JWTSecret string `mapstructure:"jwt_secret"`
}
