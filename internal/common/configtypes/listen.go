package configtypes

import (
	"fmt"
	"net"
	"strconv"
)

// ValidateListenAddress checks a "host:port" or ":port" address and the port range.
func ValidateListenAddress(listen string) error {
	if listen == "" {
		return fmt.Errorf("listen address is empty")
	}

	_, portStr, err := net.SplitHostPort(listen)
	if err != nil {
		return fmt.Errorf("invalid listen address format: %s: %w", listen, err)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid port in listen address: %s", portStr)
	}

	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}

	return nil
}
