// Command cngsynth renders comfort noise from a list of SID payloads.
//
// Each input line holds one payload in hex and yields one 80 ms frame. A
// line containing "-" (or nothing) repeats the previous parameters, the
// same as a missing SID on the wire. Lines starting with '#' are skipped.
//
// Usage:
//
//	cngsynth -in sids.txt -out noise.wav
//	echo 28a0647f8c | cngsynth -out noise.wav
package main

import (
	"bufio"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"cng-server/pkg/cng"
	"cng-server/pkg/media"

	"github.com/sirupsen/logrus"
)

func main() {
	input := flag.String("in", "-", "Input file with one hex SID payload per line, - for stdin")
	output := flag.String("out", "comfort_noise.wav", "Output WAV file (16-bit PCM, 8 kHz mono)")
	strict := flag.Bool("strict", false, "Reject oversized SID payloads and reserved noise levels")
	seed := flag.Uint("seed", 0, "Noise generator seed")
	verbose := flag.Bool("v", false, "Enable debug logging")
	flag.Parse()

	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	in := os.Stdin
	if *input != "-" {
		f, err := os.Open(*input)
		if err != nil {
			logger.WithError(err).Fatal("Failed to open input")
		}
		defer f.Close()
		in = f
	}

	out, err := media.CreateWAVFile(*output, cng.SampleRate, cng.Channels)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create output")
	}

	dec, err := cng.NewDecoder(cng.Config{Seed: uint32(*seed), StrictSID: *strict}, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create decoder")
	}
	defer dec.Close()

	frames, err := synthesize(dec, in, out)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		logger.WithError(err).Fatal("Synthesis failed")
	}

	logger.WithFields(logrus.Fields{
		"frames":  frames,
		"seconds": float64(frames*cng.FrameSize) / cng.SampleRate,
		"bytes":   out.DataBytes(),
		"output":  *output,
	}).Info("Comfort noise written")
}

// synthesize decodes one frame per input line and writes it to out.
func synthesize(dec *cng.Decoder, in io.Reader, out media.PCMSink) (int, error) {
	scanner := bufio.NewScanner(in)
	frames := 0
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(text, "#") {
			continue
		}
		payload, err := parsePayloadLine(text)
		if err != nil {
			return frames, fmt.Errorf("line %d: %w", line, err)
		}
		frame, err := dec.Decode(payload)
		if err != nil {
			return frames, fmt.Errorf("line %d: %w", line, err)
		}
		if err := out.WritePCM(frame); err != nil {
			return frames, err
		}
		frames++
	}
	return frames, scanner.Err()
}

// parsePayloadLine returns nil for "-" or an empty line.
func parsePayloadLine(text string) ([]byte, error) {
	text = strings.Join(strings.Fields(text), "")
	if text == "" || text == "-" {
		return nil, nil
	}
	return hex.DecodeString(text)
}
