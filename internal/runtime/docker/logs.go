package docker

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/mrrifat/multibot/internal/fault"
	"github.com/mrrifat/multibot/internal/runtime"
)

// Containers run without a TTY, so the log endpoint returns the
// multiplexed stream format: an 8-byte header (stream type, three zero
// bytes, big-endian payload size) before each frame.
const logHeaderSize = 8

// TailLogs returns up to lines of the most recent output, oldest first.
func (a *Adapter) TailLogs(ctx context.Context, name string, lines int) ([]runtime.LogLine, error) {
	if lines <= 0 {
		lines = 200
	}
	rc, err := a.inner.ContainerLogs(ctx, name, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: true,
		Tail:       strconv.Itoa(lines),
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, fmt.Errorf("%w: container %s", fault.ErrNotFound, name)
		}
		return nil, fmt.Errorf("%w: container logs: %v", fault.ErrRuntime, err)
	}
	defer rc.Close()

	collected, err := collectTail(rc, lines)
	if err != nil {
		return nil, fmt.Errorf("%w: read container logs: %v", fault.ErrRuntime, err)
	}
	return collected, nil
}

// collectTail drains a multiplexed stream and keeps at most lines
// entries, oldest first. The daemon already applies the tail option,
// but partial trailing frames can push the count over it.
func collectTail(r io.Reader, lines int) ([]runtime.LogLine, error) {
	var collected []runtime.LogLine
	err := demuxFrames(r, func(line runtime.LogLine) bool {
		collected = append(collected, line)
		return true
	})
	if err != nil {
		return nil, err
	}
	if len(collected) > lines {
		collected = collected[len(collected)-lines:]
	}
	return collected, nil
}

// FollowLogs streams output until the container stops or ctx is
// cancelled. The returned channel is closed when the stream ends.
func (a *Adapter) FollowLogs(ctx context.Context, name string) (<-chan runtime.LogLine, error) {
	rc, err := a.inner.ContainerLogs(ctx, name, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: true,
		Follow:     true,
		Tail:       "0",
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, fmt.Errorf("%w: container %s", fault.ErrNotFound, name)
		}
		return nil, fmt.Errorf("%w: follow container logs: %v", fault.ErrRuntime, err)
	}

	out := make(chan runtime.LogLine, 64)
	go func() {
		defer close(out)
		defer rc.Close()
		_ = demuxFrames(rc, func(line runtime.LogLine) bool {
			select {
			case out <- line:
				return true
			case <-ctx.Done():
				return false
			}
		})
	}()
	go func() {
		<-ctx.Done()
		rc.Close()
	}()
	return out, nil
}

// demuxFrames reads multiplexed frames and emits complete lines. emit
// returning false stops the read loop.
func demuxFrames(r io.Reader, emit func(runtime.LogLine) bool) error {
	header := make([]byte, logHeaderSize)
	pending := map[string]*bytes.Buffer{
		"stdout": new(bytes.Buffer),
		"stderr": new(bytes.Buffer),
	}
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				flushPending(pending, emit)
				return nil
			}
			return err
		}
		stream := "stdout"
		if header[0] == 2 {
			stream = "stderr"
		}
		size := binary.BigEndian.Uint32(header[4:])
		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				flushPending(pending, emit)
				return nil
			}
			return err
		}
		buf := pending[stream]
		buf.Write(payload)
		for {
			raw, err := buf.ReadString('\n')
			if err != nil {
				// Keep the partial line for the next frame.
				buf.WriteString(raw)
				break
			}
			if !emit(parseLogLine(stream, strings.TrimRight(raw, "\r\n"))) {
				return nil
			}
		}
	}
}

func flushPending(pending map[string]*bytes.Buffer, emit func(runtime.LogLine) bool) {
	for stream, buf := range pending {
		if buf.Len() > 0 {
			emit(parseLogLine(stream, buf.String()))
		}
	}
}

// parseLogLine splits the RFC3339Nano timestamp prefix the daemon adds
// when Timestamps is requested.
func parseLogLine(stream, raw string) runtime.LogLine {
	line := runtime.LogLine{Stream: stream, Text: raw}
	if idx := strings.IndexByte(raw, ' '); idx > 0 {
		if ts, err := time.Parse(time.RFC3339Nano, raw[:idx]); err == nil {
			line.Timestamp = ts
			line.Text = raw[idx+1:]
		}
	}
	return line
}
