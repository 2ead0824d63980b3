package regionutil

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path"
	"runtime"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Returns current time in UTC.
func UTCNow() time.Time {
	return time.Now().UTC()
}

// Setup the logrus logger used by all binaries. The level is one of the
// logrus level names. An unknown level falls back to info.
func SetupLogging(level string) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
	log.SetOutput(os.Stdout)
	log.SetReportCaller(true)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
		CallerPrettyfier: func(f *runtime.Frame) (string, string) {
			// Grab filename and line of current frame and add it to log entry.
			_, filename := path.Split(f.File)
			return "", fmt.Sprintf("%20v:%-5d", filename, f.Line)
		},
	})
}

// Generates a random byte sequence of the given length and returns it
// encoded with the standard base64 alphabet.
func Base64Random(length int) (string, error) {
	content := make([]byte, length)
	if _, err := rand.Read(content); err != nil {
		return "", errors.Wrapf(err, "cannot generate %d random bytes", length)
	}
	return base64.StdEncoding.EncodeToString(content), nil
}

// Splits a list of servers separated by commas and/or whitespace. Empty
// items are dropped.
func SplitServers(value string) []string {
	return strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
}
