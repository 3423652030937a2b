package constant

const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
)
