package agent

import (
	"bufio"
	"io"
)

// readTail returns the last n lines read from r, or every line if n is 0.
func readTail(r io.Reader, n int) ([]string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	if n <= 0 {
		var all []string
		for scanner.Scan() {
			all = append(all, scanner.Text())
		}
		return all, scanner.Err()
	}

	ring := make([]string, n)
	count := 0
	for scanner.Scan() {
		ring[count%n] = scanner.Text()
		count++
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if count < n {
		return ring[:count], nil
	}
	start := count % n
	out := make([]string, 0, n)
	out = append(out, ring[start:]...)
	out = append(out, ring[:start]...)
	return out, nil
}
