package membership

// ChatPatch carries the optional fields of a partial chat update. A nil field is
// left untouched.
type ChatPatch struct {
	Title *string `json:"title"`
	Logo  *string `json:"logo"`
}

// Empty reports whether the patch changes nothing.
func (p ChatPatch) Empty() bool {
	return p.Title == nil && p.Logo == nil
}

// Apply merges the supplied fields into c.
func (p ChatPatch) Apply(c *Chat) {
	if p.Title != nil {
		c.Title = *p.Title
	}
	if p.Logo != nil {
		c.Logo = *p.Logo
	}
}
