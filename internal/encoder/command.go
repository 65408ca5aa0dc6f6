// Package encoder builds encoder command lines and starts them as detached
// processes.
package encoder

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultBinary is the encoder looked up on PATH when none is configured.
const DefaultBinary = "ffmpeg"

// Command is a fully resolved encoder invocation. Args are passed to the
// process verbatim, so URLs never go through a shell.
type Command struct {
	// Name identifies the process in logs and names its verbose log file.
	Name   string
	Binary string
	Args   []string
}

// Destination returns the final argument, which is the output URL for every
// command this package builds.
func (c Command) Destination() string {
	if len(c.Args) == 0 {
		return ""
	}
	return c.Args[len(c.Args)-1]
}

// String renders the command as a shell line for logs. The quiet log level
// is dropped and push credentials are masked.
func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, shellQuote(c.Binary))
	for i := 0; i < len(c.Args); i++ {
		if c.Args[i] == "-loglevel" && i+1 < len(c.Args) && c.Args[i+1] == "quiet" {
			i++
			continue
		}
		parts = append(parts, shellQuote(Redact(c.Args[i])))
	}
	return strings.Join(parts, " ")
}

var credentialParam = regexp.MustCompile(`(?i)\b(pushkey|txsecret)=[^&,\s]*`)

// Redact masks push credentials carried as pushkey or txSecret parameters.
func Redact(s string) string {
	return credentialParam.ReplaceAllString(s, "${1}=redacted")
}

// RelayParams describes a looped file push into a relay or CDN ingest.
type RelayParams struct {
	Name        string
	Binary      string
	Input       string
	Destination string
	// Transcode re-encodes to h264/aac instead of copying both codecs.
	Transcode bool
	// Verbose keeps encoder warnings instead of running quiet.
	Verbose bool
}

// BuildRelayCommand emulates a live capture device: the input is read at
// native rate and looped forever, then muxed as FLV to the destination.
func BuildRelayCommand(p RelayParams) (Command, error) {
	input := strings.TrimSpace(p.Input)
	if input == "" {
		return Command{}, fmt.Errorf("input file is required")
	}
	dest := strings.TrimSpace(p.Destination)
	if dest == "" {
		return Command{}, fmt.Errorf("destination url is required")
	}

	args := []string{"-loglevel", logLevel(p.Verbose), "-readrate", "1", "-stream_loop", "-1", "-i", input}
	if p.Transcode {
		args = append(args, "-vcodec", "h264", "-acodec", "aac")
	} else {
		args = append(args, "-vcodec", "copy", "-acodec", "copy")
	}
	args = append(args, "-f", "flv", dest)
	return Command{Name: p.Name, Binary: binaryOrDefault(p.Binary), Args: args}, nil
}

// PlaylistParams describes a concat-playlist restream to a third-party ingest.
type PlaylistParams struct {
	Name        string
	Binary      string
	ListFile    string
	Destination string
	Verbose     bool
}

// BuildPlaylistRestream loops an ffconcat playlist and re-encodes it for
// ingests that reject copied codecs.
func BuildPlaylistRestream(p PlaylistParams) (Command, error) {
	list := strings.TrimSpace(p.ListFile)
	if list == "" {
		return Command{}, fmt.Errorf("playlist file is required")
	}
	dest := strings.TrimSpace(p.Destination)
	if dest == "" {
		return Command{}, fmt.Errorf("destination url is required")
	}
	args := []string{
		"-loglevel", logLevel(p.Verbose),
		"-threads", "1",
		"-readrate", "1",
		"-stream_loop", "-1",
		"-f", "concat",
		"-safe", "0",
		"-i", list,
		"-vcodec", "h264",
		"-acodec", "aac",
		"-f", "flv",
		dest,
	}
	return Command{Name: p.Name, Binary: binaryOrDefault(p.Binary), Args: args}, nil
}

func logLevel(verbose bool) string {
	if verbose {
		return "warning"
	}
	return "quiet"
}

func binaryOrDefault(binary string) string {
	if b := strings.TrimSpace(binary); b != "" {
		return b
	}
	return DefaultBinary
}

const shellSafe = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789-_./:,+@%="

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.Trim(s, shellSafe) == "" {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
