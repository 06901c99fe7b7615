//go:build !unix

package tor

import "os"

func terminate(p *os.Process) error {
	return p.Kill()
}
