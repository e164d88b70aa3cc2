package realtime

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// item filters are boolean expressions evaluated against the canonical field
// bag of an item, for example `category == "Produce" && !isChecked` or
// `2 < quantity`. Unknown fields evaluate to nil instead of failing, so a
// filter written against optional keys works across heterogeneous items.

type ItemFilter struct {
	src     string
	program *vm.Program
}

func CompileItemFilter(src string) (*ItemFilter, error) {
	program, err := expr.Compile(
		src,
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, fmt.Errorf("compile item filter: %w", err)
	}
	return &ItemFilter{
		src:     src,
		program: program,
	}, nil
}

func (self *ItemFilter) Src() string {
	return self.src
}

// a filter that errors or evaluates to a non bool does not match
func (self *ItemFilter) Matches(item ListItem) bool {
	out, err := expr.Run(self.program, filterEnv(item))
	if err != nil {
		return false
	}
	matches, ok := out.(bool)
	return ok && matches
}

func (self *ItemFilter) FilterItems(items []ListItem) []ListItem {
	filtered := []ListItem{}
	for _, item := range items {
		if self.Matches(item) {
			filtered = append(filtered, item)
		}
	}
	return filtered
}

// the env is the canonical bag overlaid with typed conveniences, so that
// `category` compares as the category name and `quantity` as a number even
// when the wire carried them in other shapes
func filterEnv(item ListItem) map[string]any {
	env := item.Fields()
	env[KeyId] = item.Id
	env[KeyName] = item.Name
	env[KeyQuantity] = item.Quantity
	env[KeyIsChecked] = item.IsChecked
	env[KeyPrice] = item.Price
	env[KeySortOrder] = item.SortOrder
	category := item.Category
	if category == nil {
		category = Uncategorized()
	}
	env[KeyCategory] = category.Name
	env["categoryId"] = category.Id
	if item.AddedBy != nil {
		env[KeyAddedBy] = item.AddedBy.Name
		env["addedById"] = item.AddedBy.Id
	} else {
		env[KeyAddedBy] = ""
		env["addedById"] = ""
	}
	return env
}
