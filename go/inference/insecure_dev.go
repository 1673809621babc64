//go:build !prod

package inference

const insecureAllowed = true
