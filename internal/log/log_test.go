package log

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestConfigure(t *testing.T) {
	for _, tc := range []struct {
		desc   string
		format string
		level  string
		logger *logrus.Logger
	}{
		{
			desc:   "json format with info level",
			format: "json",
			logger: &logrus.Logger{
				Formatter: &logrus.JSONFormatter{TimestampFormat: LogTimestampFormat},
				Level:     logrus.InfoLevel,
			},
		},
		{
			desc:   "text format with info level",
			format: "text",
			logger: &logrus.Logger{
				Formatter: &logrus.TextFormatter{TimestampFormat: LogTimestampFormat},
				Level:     logrus.InfoLevel,
			},
		},
		{
			desc: "empty format with info level",
			logger: &logrus.Logger{
				Level: logrus.InfoLevel,
			},
		},
		{
			desc:   "text format with debug level",
			format: "text",
			level:  "debug",
			logger: &logrus.Logger{
				Formatter: &logrus.TextFormatter{TimestampFormat: LogTimestampFormat},
				Level:     logrus.DebugLevel,
			},
		},
		{
			desc:   "text format with invalid level",
			format: "text",
			level:  "invalid-level",
			logger: &logrus.Logger{
				Formatter: &logrus.TextFormatter{TimestampFormat: LogTimestampFormat},
				Level:     logrus.InfoLevel,
			},
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			loggers := []*logrus.Logger{{}, {}}
			Configure(loggers, tc.format, tc.level)
			require.Equal(t, []*logrus.Logger{tc.logger, tc.logger}, loggers)
		})
	}
}

func TestRedirectToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gitledger.log")

	logger := logrus.New()
	logger.Formatter = &logrus.TextFormatter{DisableTimestamp: true}

	closer, err := RedirectToFile([]*logrus.Logger{logger}, path)
	require.NoError(t, err)
	logger.WithField("ref", "refs/heads/main").Info("reference updated")
	require.NoError(t, closer.Close())

	closer, err = RedirectToFile([]*logrus.Logger{logger}, path)
	require.NoError(t, err)
	logger.Warn("retrying transient failure")
	require.NoError(t, closer.Close())

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t,
		"level=info msg=\"reference updated\" ref=refs/heads/main\n"+
			"level=warning msg=\"retrying transient failure\"\n",
		string(contents),
	)
}

func TestRedirectToFile_missingDirectory(t *testing.T) {
	_, err := RedirectToFile([]*logrus.Logger{logrus.New()}, filepath.Join(t.TempDir(), "missing", "gitledger.log"))
	require.Error(t, err)
}
