package regionutil

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Accepts the variables read from an environment file.
type EnvironmentVariableSetter interface {
	Set(key, value string) error
}

// Sets the variables in the environment of the process.
type processEnvironmentSetter struct{}

// Returns the setter of the process environment.
func NewProcessEnvironmentVariableSetter() EnvironmentVariableSetter {
	return processEnvironmentSetter{}
}

func (processEnvironmentSetter) Set(key, value string) error {
	return os.Setenv(key, value)
}

// Single variable of the environment file.
type environmentEntry struct {
	key   string
	value string
}

// Loads the variables from the environment file into each setter in
// the order of appearance.
func LoadEnvironmentFileToSetter(path string, setters ...EnvironmentVariableSetter) error {
	entries, err := loadEnvironmentFile(path)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		for _, setter := range setters {
			if err := setter.Set(entry.key, entry.value); err != nil {
				return errors.WithMessagef(err, "cannot set value for key: '%s'", entry.key)
			}
		}
	}
	return nil
}

func loadEnvironmentFile(path string) ([]environmentEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open the '%s' environment file", path)
	}
	defer file.Close()
	return loadEnvironmentEntries(file)
}

// Reads the entries. A repeated key keeps its first position and the
// last value.
func loadEnvironmentEntries(reader io.Reader) ([]environmentEntry, error) {
	entries := []environmentEntry{}
	positions := map[string]int{}
	scanner := bufio.NewScanner(reader)
	for lineNum := 1; scanner.Scan(); lineNum++ {
		key, value, err := parseEnvironmentLine(scanner.Text())
		if err != nil {
			return nil, errors.WithMessagef(err, "invalid line %d of environment file", lineNum)
		}
		if key == "" {
			continue
		}
		if position, ok := positions[key]; ok {
			entries[position].value = value
			continue
		}
		positions[key] = len(entries)
		entries = append(entries, environmentEntry{key: key, value: value})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "cannot read environment file")
	}
	return entries, nil
}

// Parses the line of the environment file. Blank lines and comments
// yield an empty key. The optional export keyword and the double quotes
// around the value are stripped.
func parseEnvironmentLine(line string) (string, string, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", nil
	}
	line = strings.TrimPrefix(line, "export ")
	key, value, ok := strings.Cut(line, "=")
	if !ok {
		return "", "", errors.New("line must contain the key and value separated by the '=' sign")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", "", errors.New("key cannot be empty")
	}
	if len(value) >= 2 && strings.HasPrefix(value, `"`) && strings.HasSuffix(value, `"`) {
		unquoted, err := strconv.Unquote(value)
		if err != nil {
			return "", "", errors.Wrapf(err, "invalid quoted value of %s", key)
		}
		value = unquoted
	}
	return key, value, nil
}
