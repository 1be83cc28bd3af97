package log

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// RedirectToFile makes the loggers append to the file at path instead of writing to stderr. Git
// shows the stderr of remote helpers to the user, which is too noisy for debug logs. The returned
// closer closes the file.
func RedirectToFile(loggers []*logrus.Logger, path string) (io.Closer, error) {
	logFile, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	for _, l := range loggers {
		l.SetOutput(logFile)
	}

	return logFile, nil
}
