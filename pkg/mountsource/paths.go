package mountsource

import "path"

// cleanPath normalizes p to an absolute, slash-separated, dot-free form.
// Every Source method in this package assumes its caller already did this,
// but leaves that accept paths from outside the layer stack (folder.go's
// host-directory walk, the FUSE adapter) call it directly.
func cleanPath(p string) string {
	if p == "" {
		return "/"
	}
	return path.Clean("/" + p)
}

// splitPath divides a cleaned path into its parent directory and base
// name, the same convention pkg/archive and pkg/index use for (path, name)
// keying.
func splitPath(p string) (dir, name string) {
	p = cleanPath(p)
	return path.Dir(p), path.Base(p)
}

// joinPath appends name to dir, producing a cleaned absolute path.
func joinPath(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}
