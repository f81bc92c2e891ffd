package aresolv

import (
	"github.com/sirupsen/logrus"
)

// Log is the logger used by the library. It defaults to logging warnings and
// above to stderr; set the level or replace the instance to change that.
var Log = logrus.New()

func init() {
	Log.SetLevel(logrus.WarnLevel)
}
