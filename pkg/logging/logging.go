package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Init initializes the logger with a structured format. Discovery tracing
// is env-gated because it is extremely chatty on busy subnets.
func Init() {
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	logrus.SetOutput(os.Stdout)
	if os.Getenv("LOCALSEND_DEBUG_DISCOVERY") == "1" {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}
}
