package backend

// ItemDates carries server timestamps as Unix seconds with fraction.
type ItemDates struct {
	Created  float64 `json:"created"`
	Modified float64 `json:"modified"`
	Accessed float64 `json:"accessed"`
}

// ItemRecord is a file or folder entry in a server listing.
type ItemRecord struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	FilesystemID string    `json:"filesystem"`
	Dates        ItemDates `json:"dates"`
	ReadOnly     bool      `json:"readonly"`
}

// FolderContents is a folder record including its listed children.
type FolderContents struct {
	ItemRecord
	Files   map[string]ItemRecord `json:"files"`
	Folders map[string]ItemRecord `json:"folders"`
}

// FilesystemRecord describes one remote filesystem.
type FilesystemRecord struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	RootID    string `json:"rootfolder"`
	ReadOnly  bool   `json:"readonly"`
	ChunkSize int64  `json:"chunksize"`
	// StorageType is the remote storage kind, which determines the write
	// mode: object stores allow whole-file replacement only.
	StorageType string `json:"sttype"`
}

// AccountRecord describes the authenticated account.
type AccountRecord struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// SessionRecord is returned by accounts/createsession.
type SessionRecord struct {
	Account AccountRecord `json:"account"`
	Client  struct {
		Session struct {
			ID  string `json:"id"`
			Key string `json:"authkey"`
		} `json:"session"`
	} `json:"client"`
}

// CoreConfig is the server/getconfig core section.
type CoreConfig struct {
	APIVersion int  `json:"apiversion"`
	ReadOnly   bool `json:"read_only"`
}

// FilesConfig is the files/getconfig section.
type FilesConfig struct {
	// UploadMaxBytes is the advertised upload body limit; 0 means unknown.
	UploadMaxBytes int64 `json:"upload_maxbytes"`
	// PageSize is the server-preferred page size hint; 0 means none.
	PageSize int64 `json:"pagesize"`
	ReadOnly bool  `json:"read_only"`
}
