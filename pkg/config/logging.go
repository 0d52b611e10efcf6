package config

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/natefinch/lumberjack"
)

// SetLogger points the standard logger at a rotating log file when one is
// configured, keeping a copy on stdout. The returned closer flushes the file.
func (c *Config) SetLogger() io.Closer {
	if c == nil || c.Output.LogFile == "" {
		return io.NopCloser(nil)
	}
	fmt.Printf("Sending log messages to: %s\n", c.Output.LogFile)
	l := &lumberjack.Logger{
		Filename: c.Output.LogFile,
		MaxSize:  c.Output.MaxLogSizeMB, // megabytes
		MaxAge:   c.Output.MaxLogAgeDay, // days
	}
	log.SetOutput(io.MultiWriter(os.Stdout, l))
	return l
}
