package macho

import "github.com/kbrooks/xnuboot/types"

// FindSymbol performs the classic-toc-free binary search described in
// §4.4 over the external-definitions sub-range of the symbol table, which
// is assumed sorted by name. Only executables with a dysymtab and
// tocoff==0 are searchable.
func (f *File) FindSymbol(name string, loaderBias uint32) (uint32, error) {
	if f.Type != types.MH_EXECUTE {
		return 0, newError(EXEC_UNSUPPORTED, 0, "symbol lookup requires an executable", f.Type)
	}
	if f.Dysymtab == nil || f.Symtab == nil {
		return 0, newError(EXEC_UNSUPPORTED, 0, "symbol lookup requires dysymtab and symtab", nil)
	}
	if f.Dysymtab.Tocoffset != 0 {
		return 0, newError(EXEC_UNSUPPORTED, 0, "table-of-contents symbol lookup is not supported", nil)
	}

	lo := int(f.Dysymtab.Iextdefsym)
	hi := lo + int(f.Dysymtab.Nextdefsym)
	syms := f.Symtab.Syms
	if hi > len(syms) {
		return 0, newError(MALFORMED, -1, "external-defs range runs past the symbol table", hi)
	}

	for lo < hi {
		mid := lo + (hi-lo)/2
		switch {
		case syms[mid].Name == name:
			return syms[mid].Value + loaderBias, nil
		case syms[mid].Name < name:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return 0, newError(SYMBOL_NOT_FOUND, 0, "symbol not found", name)
}

// FindSymbolByAddress performs the reverse lookup: given a mapped address,
// return the external-defs symbol whose (Thumb-bit-cleared) value matches.
// Used by diagnostics, not by the core load path.
func (f *File) FindSymbolByAddress(addr uint32) (Symbol, bool) {
	if f.Dysymtab == nil || f.Symtab == nil {
		return Symbol{}, false
	}
	lo := int(f.Dysymtab.Iextdefsym)
	hi := lo + int(f.Dysymtab.Nextdefsym)
	for i := lo; i < hi && i < len(f.Symtab.Syms); i++ {
		s := f.Symtab.Syms[i]
		if clearThumbBit(s.Value, s.Desc) == addr {
			return s, true
		}
	}
	return Symbol{}, false
}
