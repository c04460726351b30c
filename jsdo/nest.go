package jsdo

// NestChildren embeds the rows of nested child tables as arrays in their
// parent rows, under the child table name. The arrays share the child rows.
// Any operation that works on the flat tables removes them first.
func (j *JSDO) NestChildren() {
	j.unnest()
	for _, t := range j.tables {
		for _, c := range t.children {
			if !c.nested {
				continue
			}
			for _, p := range t.data {
				if p == nil {
					continue
				}
				kids := []Row{}
				for _, r := range c.data {
					if r != nil && c.joins(p, r) {
						kids = append(kids, r)
					}
				}
				p[c.def.Name] = kids
			}
		}
	}
	j.nested = true
}

// UnnestChildren removes the arrays added by NestChildren.
func (j *JSDO) UnnestChildren() {
	j.unnest()
}

// IsNested reports whether child rows are currently embedded.
func (j *JSDO) IsNested() bool {
	return j.nested
}

func (j *JSDO) unnest() {
	if !j.nested {
		return
	}
	for _, t := range j.tables {
		for _, c := range t.children {
			if !c.nested {
				continue
			}
			for _, p := range t.data {
				if p != nil {
					delete(p, c.def.Name)
				}
			}
		}
	}
	j.nested = false
}
