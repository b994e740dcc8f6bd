package audio

// Drain discards values from ch until it is closed. Producers that stream
// into a channel nobody reads any more would otherwise block forever.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
