package resolve

// Contact is a directory answer. ID 0 means no matching contact; that is a
// terminal resolution, not an error.
type Contact struct {
	ID           int64
	DisplayName  string
	Capabilities uint32
}

// Address is one address book entry under a contact.
type Address struct {
	LocalUID  string
	RemoteUID string
}

// Change announces that a directory contact's details changed.
type Change struct {
	ContactID int64
}

// Directory is the external contact service the resolver runs against. The
// contact database itself lives outside this system; only the resolution
// protocol is implemented here.
type Directory interface {
	// Lookup maps an address to a contact. A nil error with Contact.ID 0
	// means the directory holds no match.
	Lookup(localUID, remoteUID string) (Contact, error)
	// LookupByContact lists every address currently under a contact.
	LookupByContact(contactID int64) ([]Address, error)
	// Changes streams contact-changed notifications until the directory
	// closes it.
	Changes() <-chan Change
}
