package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// DotEnvResult lists which keys a .env file contributed and which it left
// alone because the process environment already had a value.
type DotEnvResult struct {
	Applied  []string
	Shadowed []string
}

// LoadDotEnv reads a .env file into the process environment. Non-empty
// environment values take precedence over the file.
func LoadDotEnv(path string) (DotEnvResult, error) {
	var result DotEnvResult

	file, err := os.Open(path)
	if err != nil {
		return result, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		key, value, ok := parseDotEnvLine(scanner.Text())
		if !ok {
			continue
		}
		if os.Getenv(key) != "" {
			result.Shadowed = append(result.Shadowed, key)
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return result, fmt.Errorf("%s:%d: set %s: %w", path, lineNo, key, err)
		}
		result.Applied = append(result.Applied, key)
	}
	if err := scanner.Err(); err != nil {
		return result, fmt.Errorf("read %s: %w", path, err)
	}
	return result, nil
}

// parseDotEnvLine accepts KEY=value, optionally prefixed with "export".
// Quoted values keep their content verbatim; unquoted values drop a trailing
// " # comment".
func parseDotEnvLine(line string) (key, value string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}
	line = strings.TrimPrefix(line, "export ")

	key, value, found := strings.Cut(line, "=")
	if !found {
		return "", "", false
	}
	key = strings.TrimSpace(key)
	if key == "" || strings.ContainsAny(key, " \t") {
		return "", "", false
	}

	value = strings.TrimSpace(value)
	if n := len(value); n >= 2 && (value[0] == '"' || value[0] == '\'') && value[n-1] == value[0] {
		return key, value[1 : n-1], true
	}
	if i := strings.Index(value, " #"); i >= 0 {
		value = strings.TrimSpace(value[:i])
	}
	return key, value, true
}
