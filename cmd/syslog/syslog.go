package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"gopkg.in/mcuadros/go-syslog.v2"
	"gopkg.in/mcuadros/go-syslog.v2/format"
)

// The daemon copies its logs here with --syslog-address, through Go's
// log/syslog package. That package, when using unix domain sockets, expects
// one of "/dev/log", "/var/run/syslog", or "/var/run/log" so we bind a
// matching path.
const defaultListenAddress = "/var/run/syslog"

func main() {
	var listenAddress, logFormat string
	flag.StringVar(&listenAddress, "listen-address", defaultListenAddress, "unix datagram socket to receive messages on")
	flag.StringVar(&logFormat, "format", "rfc3164", "syslog message format: rfc3164, rfc5424 or automatic")
	flag.Parse()

	f, err := parseFormat(logFormat)
	if err != nil {
		log.Fatal(err)
	}

	channel := make(syslog.LogPartsChannel)
	handler := syslog.NewChannelHandler(channel)

	server := syslog.NewServer()
	server.SetFormat(f)
	server.SetHandler(handler)

	if err := server.ListenUnixgram(listenAddress); err != nil {
		log.Fatal(err)
	}

	if err := server.Boot(); err != nil {
		log.Fatal(err)
	}

	go func(channel syslog.LogPartsChannel) {
		for logParts := range channel {
			fmt.Fprintln(os.Stdout, formatLogParts(logParts))
		}
	}(channel)

	server.Wait()
}

func parseFormat(s string) (format.Format, error) {
	switch s {
	case "rfc3164":
		return syslog.RFC3164, nil
	case "rfc5424":
		return syslog.RFC5424, nil
	case "automatic":
		return syslog.Automatic, nil
	default:
		return nil, fmt.Errorf("unknown syslog format %q", s)
	}
}

// formatLogParts renders a message the same way for every format. RFC5424 messages carry their text in
// "message" rather than "content".
func formatLogParts(logParts format.LogParts) string {
	content, ok := logParts["content"]
	if !ok {
		content = logParts["message"]
	}
	return fmt.Sprintf("%s %s %s", logParts["timestamp"], logParts["hostname"], content)
}
