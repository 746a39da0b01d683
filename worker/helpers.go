package worker

import "github.com/stratavault/stratavault/objectstore"

// objectstoreClass maps a Job's stored class string to the typed
// objectstore.StorageClass, defaulting to hot storage for an unrecognized
// or empty value rather than failing the run outright.
func objectstoreClass(class string) objectstore.StorageClass {
	sc := objectstore.StorageClass(class)
	if !sc.Valid() {
		return objectstore.StorageHot
	}
	return sc
}
