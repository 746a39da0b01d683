package engine

// CheckDispatchable returns ErrHostImageUnsupported for KindHostImage and
// nil for every other kind. The worker calls this before invoking any
// engine so a host-image Job fails fast with a clear message instead of
// reaching RunIncremental/RunArchive with the wrong options shape.
func CheckDispatchable(kind Kind) error {
	if kind == KindHostImage {
		return ErrHostImageUnsupported
	}
	return nil
}
