package platform

import (
	"net/http"
)

// Credentials authenticate outbound requests to a tracking server.
// Token wins over Username/Password when both are set.
type Credentials struct {
	Username string
	Password string
	Token    string
}

// CredentialsFromEnv reads the MLflow client environment variables.
func CredentialsFromEnv() Credentials {
	return Credentials{
		Username: GetEnv("MLFLOW_TRACKING_USERNAME", ""),
		Password: GetEnv("MLFLOW_TRACKING_PASSWORD", ""),
		Token:    GetEnv("MLFLOW_TRACKING_TOKEN", ""),
	}
}

// Empty reports whether no credentials are configured.
func (c Credentials) Empty() bool {
	return c.Token == "" && c.Username == "" && c.Password == ""
}

// Apply sets the Authorization header on req.
func (c Credentials) Apply(req *http.Request) {
	switch {
	case c.Token != "":
		req.Header.Set("Authorization", "Bearer "+c.Token)
	case c.Username != "" || c.Password != "":
		req.SetBasicAuth(c.Username, c.Password)
	}
}
