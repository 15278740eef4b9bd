package filter

// Seed installs the rules the proxy always protects regardless of what
// the CLI's own CSV arguments add: the desktop portal surface and the
// bus's own introspection surface (org.freedesktop.DBus).
func Seed(f *Filter) {
	f.AddNameFilter("org.freedesktop.portal.*")
	f.AddPathFilter("/org/freedesktop/portal/*")
	f.AddInterfaceFilter("org.freedesktop.portal.")

	f.AddNameFilter("org.freedesktop.DBus")
	f.AddPathFilter("/")
	f.AddPathFilter("/org/freedesktop/DBus")
	f.AddInterfaceFilter("org.freedesktop.DBus")
}
