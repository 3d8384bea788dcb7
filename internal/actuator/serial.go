package actuator

import (
	"bufio"
	"fmt"
	"log"
	"sync"

	"go.bug.st/serial"
)

// Port is the write side of the motor bridge link. Tokens are
// newline-terminated ASCII commands; the bridge firmware also emits
// free-text diagnostic lines which are logged, never parsed.
type Port interface {
	WriteCommand(token string) error
	Close() error
}

// SerialPort drives the wheeled-base controller over a UART.
type SerialPort struct {
	mu   sync.Mutex
	port serial.Port
	name string
}

func OpenSerial(name string, baudRate int) (*SerialPort, error) {
	mode := &serial.Mode{BaudRate: baudRate}
	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", name, err)
	}

	sp := &SerialPort{port: port, name: name}
	go sp.drainDiagnostics()

	log.Printf("Serial: motor bridge ready on %s @ %d", name, baudRate)
	return sp, nil
}

func (s *SerialPort) WriteCommand(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.port.Write([]byte(token + "\n")); err != nil {
		return fmt.Errorf("serial write %q: %w", token, err)
	}
	return nil
}

func (s *SerialPort) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port.Close()
}

// drainDiagnostics reads the firmware's free-text lines so the OS buffer
// never fills. The lines are not part of the structured protocol.
func (s *SerialPort) drainDiagnostics() {
	scanner := bufio.NewScanner(s.port)
	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			log.Printf("Serial [%s]: %s", s.name, line)
		}
	}
}
