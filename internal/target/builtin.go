package target

import (
	"fmt"

	"github.com/ucloud/orderwise-agent/internal/models"
)

// appIntegration is the shared shape of the built-in shopping-app targets.
// Each binds a launch command and an instruction template keyed on the search
// keyword.
type appIntegration struct {
	typ      string
	name     string
	pkg      string
	template string
}

func (a *appIntegration) Type() string { return a.typ }
func (a *appIntegration) Name() string { return a.name }

func (a *appIntegration) LaunchInput() string {
	return fmt.Sprintf("launch %s", a.pkg)
}

func (a *appIntegration) Instruction(spec models.ParticipantSpec) string {
	keyword := spec.Params["keyword"]
	if keyword == "" {
		keyword = spec.Task
	}
	instruction := fmt.Sprintf(a.template, keyword)
	if seller := spec.Params["seller"]; seller != "" {
		instruction = fmt.Sprintf("The brand/seller is %q, the product is %q. %s", seller, keyword, instruction)
	}
	return fmt.Sprintf("[App: %s]\n%s", a.name, instruction)
}

// Default returns a registry with the three built-in delivery-app targets.
// Deployments with different targets register their own integrations instead.
func Default() *Registry {
	r := NewRegistry()
	r.Register(&appIntegration{
		typ:  "mt",
		name: "Meituan",
		pkg:  "com.sankuai.meituan",
		template: "Open the delivery tab, search for %q, add it to the cart and open the " +
			"order confirmation page. Apply any available coupon, wait for the total to update, " +
			"then report seller, item price, packaging fee, delivery fee and total. Never submit or pay.",
	})
	r.Register(&appIntegration{
		typ:  "jd",
		name: "JD Takeaway",
		pkg:  "com.jd.waimai",
		template: "Search for %q using the search box only, never a history entry. Add the item " +
			"to the cart, open checkout, and report seller, discounted price, packaging fee, " +
			"delivery fee and amount due. Never tap any pay button.",
	})
	r.Register(&appIntegration{
		typ:  "tb",
		name: "Taobao Flash",
		pkg:  "com.taobao.shangou",
		template: "Stay inside the app pages. Pick the first delivery address if prompted, search " +
			"for %q, add it to the cart, open checkout, and report seller, unit price, packaging " +
			"fee, delivery fee and total. Never submit the order.",
	})
	return r
}
