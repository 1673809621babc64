//go:build prod

package inference

const insecureAllowed = false
