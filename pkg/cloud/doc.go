// Package cloud authenticates pipeline sessions and provisions the test
// instances that configurations are applied to.
package cloud
