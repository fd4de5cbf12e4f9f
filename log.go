package tarssh

import (
	"net"
	"os"

	"github.com/sirupsen/logrus"
)

func newLogger(config *Config) *logrus.Logger {
	l := logrus.New()
	l.Out = config.Output
	if l.Out == nil {
		l.Out = os.Stderr
	}
	if lvl, err := logrus.ParseLevel(config.LogLevel); err == nil {
		l.SetLevel(lvl)
	}
	if config.LogFormat == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return l
}

func peerFields(addr net.Addr) logrus.Fields {
	src, spt, err := net.SplitHostPort(addr.String())
	if err != nil {
		return logrus.Fields{"src": addr.String()}
	}
	return logrus.Fields{
		"src": src,
		"spt": spt,
	}
}
