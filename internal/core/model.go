package core

import "txgraph/pkg/domain"

// Metadata lookups that walk the supertype chain.

func typeChain(model domain.ModelMetadata, typ string) []*domain.EntityMetadata {
	var out []*domain.EntityMetadata
	for _, t := range model.ThisAndSuperTypes(typ) {
		if md, ok := model.EntityMetadata(t); ok {
			out = append(out, md)
		}
	}
	return out
}

// isKindOf reports whether typ is base or one of its subtypes.
func isKindOf(model domain.ModelMetadata, typ, base string) bool {
	for _, t := range model.ThisAndSuperTypes(typ) {
		if t == base {
			return true
		}
	}
	return false
}

func endOf(model domain.ModelMetadata, typ, name string) (*domain.AssociationEnd, bool) {
	for _, md := range typeChain(model, typ) {
		if end, ok := md.AssociationEnd(name); ok {
			return end, true
		}
	}
	return nil, false
}

func endsOf(model domain.ModelMetadata, typ string) []*domain.AssociationEnd {
	var out []*domain.AssociationEnd
	for _, md := range typeChain(model, typ) {
		out = append(out, md.AssociationEnds()...)
	}
	return out
}

func indexesOf(model domain.ModelMetadata, typ string) []*domain.Index {
	var out []*domain.Index
	for _, md := range typeChain(model, typ) {
		out = append(out, md.Indexes...)
	}
	return out
}

func propertyOf(model domain.ModelMetadata, typ, name string) domain.PropertyMetadata {
	for _, md := range typeChain(model, typ) {
		if p, ok := md.Properties[name]; ok {
			if p.Name == "" {
				p.Name = name
			}
			return p
		}
	}
	return domain.PropertyMetadata{Name: name, Type: domain.PropertyPrimitive}
}
