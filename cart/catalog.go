package cart

import "github.com/shopspring/decimal"

type Product struct {
	Name  string
	Price decimal.Decimal
}

// Catalog is an ordered list of products. The order matters: generated
// carts pick products by index.
type Catalog []Product

func product(name, price string) Product {
	return Product{Name: name, Price: decimal.RequireFromString(price)}
}

func DefaultCatalog() Catalog {
	return Catalog{
		product("Anvil", "324.99"),
		product("Bird Seed", "3.99"),
		product("Iron Bird Seed", "6.99"),
		product("Tornado Seeds", "149.99"),
		product("Female Road-Runner Costume", "86.49"),
		product("Cactus Costume", "49.99"),
		product("Quick Drying Cement", "43.00"),
		product("Dehydrated Boulders", "87.22"),
		product("Giant Rubber Band", "1.99"),
		product("Bumble Bees", "26.99"),
		product("Bed Springs", "3.99"),
		product("Spring-Powered Shoes", "74.99"),
		product("Roller Skis", "99.99"),
		product("Jet-Propelled Skis", "34.99"),
		product("Jet-Propelled Pogo-Stick", "34.99"),
		product("Jet-Propelled Unicycle", "24.99"),
		product("Instant Icicle Maker", "99.99"),
		product("Boomerang", "12.99"),
		product("Super Speed Vitamins", "24.99"),
		product("Giant Fly Paper", "3.99"),
		product("Giant Mouse Trap", "24.99"),
		product("Instant Road", "99.99"),
		product("Rocket Sled Kit", "149.99"),
		product("Acme Snow Globe", "2.99"),
	}
}
