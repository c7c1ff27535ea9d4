package models

// BasicAuth identifies a bridge user. PasswordHash is the hex SHA-256 of the
// account password; the plain password never reaches this layer.
type BasicAuth struct {
	User         string `json:"user"`
	PasswordHash string `json:"passwordHash"`
}

// ShareToken grants anonymous access to a single shared file or folder
type ShareToken struct {
	Token string `json:"token"`
}
