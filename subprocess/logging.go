package subprocess

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/reeltotext/rtt/log"
)

// streamOutput copies the subprocess output line by line so interleaved
// writers stay readable.
func streamOutput(src io.Reader, out io.Writer) {
	s := bufio.NewReader(src)
	for {
		var line []byte
		line, err := s.ReadSlice('\n')
		if err == io.EOF && len(line) == 0 {
			break
		}
		if err == io.EOF {
			log.LogNoVideoID("subprocess output ended mid-line", "line", line)
			return
		}
		if err != nil {
			log.LogNoVideoID("error reading subprocess output", "err", err)
			return
		}
		_, err = out.Write(line)
		if err != nil {
			log.LogNoVideoID("error forwarding subprocess output", "err", err)
			return
		}
	}
}

// LogOutputs streams the command's stdout and stderr through to ours for the
// life of the process.
func LogOutputs(cmd *exec.Cmd) error {
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open stderr pipe: %s", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout pipe: %s", err)
	}
	go streamOutput(stderrPipe, os.Stderr)
	go streamOutput(stdoutPipe, os.Stdout)
	return nil
}
