package certify

const version = "0.3.0"

// Version returns the certify library version.
func Version() string {
	return version
}
