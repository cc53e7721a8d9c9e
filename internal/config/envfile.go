package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Endpoint env files hold one endpoint as KEY=value lines:
//
//	DatabaseConfig_host=db.internal
//	DatabaseConfig_port=5432
//	DatabaseConfig_user=migrator
//	DatabaseConfig_password="s3cret"
//	DatabaseConfig_database=app
//	DatabaseConfig_schema=public
//
// Lines starting with # or ; are comments. Unknown keys are ignored.
const envKeyPrefix = "DatabaseConfig_"

// LoadEndpointFile reads an endpoint env file. Port defaults to 5432 and
// schema to public.
func LoadEndpointFile(path string) (EndpointConfig, error) {
	if warning := checkFilePermissions(path); warning != "" {
		fmt.Fprint(os.Stderr, warning)
	}
	f, err := os.Open(path)
	if err != nil {
		return EndpointConfig{}, fmt.Errorf("reading endpoint file: %w", err)
	}
	defer f.Close()

	values, err := parseEnv(bufio.NewScanner(f))
	if err != nil {
		return EndpointConfig{}, fmt.Errorf("parsing endpoint file %s: %w", path, err)
	}
	return endpointFromEnv(values)
}

func parseEnv(sc *bufio.Scanner) (map[string]string, error) {
	values := make(map[string]string)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("line %d: expected KEY=value", lineNo)
		}
		values[strings.TrimSpace(key)] = unquote(strings.TrimSpace(value))
	}
	return values, sc.Err()
}

func unquote(v string) string {
	if len(v) >= 2 {
		if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
			return v[1 : len(v)-1]
		}
	}
	return v
}

func endpointFromEnv(values map[string]string) (EndpointConfig, error) {
	get := func(name string) string { return values[envKeyPrefix+name] }

	ep := EndpointConfig{
		Host:     get("host"),
		User:     get("user"),
		Password: get("password"),
		Database: get("database"),
		Schema:   get("schema"),
		Port:     5432,
	}
	if ep.Schema == "" {
		ep.Schema = "public"
	}
	if p := get("port"); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return EndpointConfig{}, fmt.Errorf("invalid value for %sport: %q", envKeyPrefix, p)
		}
		ep.Port = port
	}
	return ep, nil
}
