package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/zjrosen/hive/internal/log"
)

// escByte is the terminal escape control byte sent by Escape.
const escByte = 0x1b

func processOf(cmd *exec.Cmd) *os.Process {
	if cmd == nil {
		return nil
	}
	return cmd.Process
}

// Interrupt sends a soft interrupt (SIGINT on Unix) to the process.
func (p *Process) Interrupt() error {
	p.mu.RLock()
	proc := processOf(p.cmd)
	p.mu.RUnlock()
	if proc == nil {
		return fmt.Errorf("worker %s: not running", p.handle)
	}
	return interruptProcess(proc)
}

// Escape writes an escape control sequence to the worker's stdin, used
// to back interactive workers out of menus or confirmation prompts.
func (p *Process) Escape() error {
	return p.writeStdin([]byte{escByte})
}

// Terminate asks the process to exit with a soft signal, then kills it
// hard once the grace period passes. It returns after the process has
// exited either way.
func (p *Process) Terminate(grace time.Duration) {
	p.mu.RLock()
	terminal := p.status.IsTerminal()
	proc := processOf(p.cmd)
	p.mu.RUnlock()

	if terminal {
		return
	}
	if proc == nil {
		p.Cancel()
		return
	}

	if err := softTerminate(proc); err != nil {
		// Already gone or unsignalable; fall through to the hard path.
		log.Debug(log.CatProc, "soft terminate failed", "worker", p.handle, "error", err)
		p.Cancel()
		<-p.done
		return
	}

	select {
	case <-p.done:
		log.Debug(log.CatProc, "process exited within grace period", "worker", p.handle)
	case <-time.After(grace):
		log.Debug(log.CatProc, "grace period expired, killing", "worker", p.handle)
		p.Cancel()
		<-p.done
	}
}
