package ident

// SetRandom replaces the serial source used for batch and product ids.
func (g *Generator) SetRandom(fn func() (int64, error)) { g.random = fn }
